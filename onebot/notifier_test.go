package onebot

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestNewDBNotifier(t *testing.T) {
	signals := newNotifySignals()

	n, err := newDBNotifier(dbTypeSQLite, "", nil, signals, slog.Default())
	require.NoError(t, err)
	assert.Empty(t, n.RuntimeConfigChannelName())
	assert.Empty(t, n.PurposesChannelName())
	assert.Empty(t, n.StopChannelName())
	assert.NotEmpty(t, n.ID())

	pg, err := newDBNotifier(dbTypePostgres, "postgres://localhost/onebot", nil, signals, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, postgresNotifyChannelRuntimeConfig, pg.RuntimeConfigChannelName())
	assert.Equal(t, postgresNotifyChannelPurposes, pg.PurposesChannelName())
	assert.Equal(t, postgresNotifyChannelStop, pg.StopChannelName())
	assert.NotEqual(t, n.ID(), pg.ID())

	_, err = newDBNotifier("mysql", "", nil, signals, slog.Default())
	assert.Error(t, err)
}

func TestSQLiteNotifier(t *testing.T) {
	signals := newNotifySignals()
	n, err := newDBNotifier(dbTypeSQLite, "", nil, signals, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	// reloads are local no-ops
	assert.True(t, n.ReloadRuntimeConfig(ctx))
	assert.True(t, n.ReloadPurposes(ctx))
	assert.Empty(t, signals.reloadRuntimeConfig)
	assert.Empty(t, signals.reloadPurposes)
	assert.NoError(t, n.Listen(ctx, n.StopChannelName()))

	require.True(t, n.Stop(ctx))
	select {
	case <-signals.stop:
	default:
		t.Fatal("expected stop signal")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, n.Stop(cancelled))
}

func TestSendSignal(t *testing.T) {
	ch := make(chan struct{}, 1)
	ctx := context.Background()

	assert.True(t, sendSignal(ctx, ch))
	// already pending, so the second one coalesces instead of blocking
	assert.True(t, sendSignal(ctx, ch))
	assert.Len(t, ch, 1)
	<-ch

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, sendSignal(cancelled, ch))
	assert.Empty(t, ch)
}

func TestPostgresNotifier_ListenUnknownChannel(t *testing.T) {
	n, err := newDBNotifier(dbTypePostgres, "postgres://localhost/onebot", nil, newNotifySignals(), slog.Default())
	require.NoError(t, err)
	err = n.Listen(context.Background(), "somewhere_else")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown notification channel")
}

package onebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelRuntimeConfig = "onebot_runtime_config"
	postgresNotifyChannelPurposes      = "onebot_purposes"
	postgresNotifyChannelStop          = "onebot_stop"

	dbNotifierRetryInterval = 5 * time.Second
)

// notifySignals are the channels a DBNotifier forwards notifications
// to. OneBot owns and consumes them.
type notifySignals struct {
	reloadRuntimeConfig chan struct{}
	reloadPurposes      chan struct{}
	stop                chan struct{}
}

func newNotifySignals() *notifySignals {
	return &notifySignals{
		reloadRuntimeConfig: make(chan struct{}, 1),
		reloadPurposes:      make(chan struct{}, 1),
		stop:                make(chan struct{}, 1),
	}
}

// DBNotifier notifies every bot instance sharing a database of changes
// made by one of them. With sqlite there's only ever one instance, so
// notifications are delivered locally.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells other instances to reload RuntimeConfig
	ReloadRuntimeConfig(context.Context) bool

	PurposesChannelName() string

	// ReloadPurposes tells other instances to reload channel and role
	// purposes
	ReloadPurposes(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to every instance, including this one
	Stop(context.Context) bool

	// ID identifies this notifier, so it can ignore its own notifications
	ID() string

	// Listen blocks, forwarding notifications on channel until ctx is done
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	signals *notifySignals,
	logger *slog.Logger,
) (DBNotifier, error) {
	log := logger.With(loggerNameKey, "db_notifier")
	id := uuid.NewString()
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, signals: signals, id: id}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:  log,
			signals: signals,
			id:      id,
			db:      db,
			dsn:     dsn,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sendSignal delivers a signal without blocking. Signals are
// coalesced: if one is already pending, there's nothing to do. false is
// returned only if ctx is already done.
func sendSignal(ctx context.Context, ch chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

type sqliteNotifier struct {
	logger  *slog.Logger
	signals *notifySignals
	id      string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (sqliteNotifier) PurposesChannelName() string {
	return ""
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

// ReloadRuntimeConfig is a no-op: the only instance already has the
// update
func (s *sqliteNotifier) ReloadRuntimeConfig(context.Context) bool {
	return true
}

// ReloadPurposes is a no-op: the only instance reloads purposes itself
// when they change
func (s *sqliteNotifier) ReloadPurposes(context.Context) bool {
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	if !sendSignal(ctx, s.signals.stop) {
		s.logger.Warn("unable to send stop signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	logger  *slog.Logger
	signals *notifySignals
	id      string
	db      DBI
	dsn     string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfig
}

func (postgresNotifier) PurposesChannelName() string {
	return postgresNotifyChannelPurposes
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	err := p.db.DB().WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, p.id).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY", tint.Err(err), "channel", channel)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "notify_id", p.id)
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName())
}

func (p *postgresNotifier) ReloadPurposes(ctx context.Context) bool {
	return p.notify(ctx, p.PurposesChannelName())
}

// Stop notifies every other instance, then stops this one
func (p *postgresNotifier) Stop(ctx context.Context) bool {
	sent := p.notify(ctx, p.StopChannelName())
	return sendSignal(ctx, p.signals.stop) && sent
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	var forward chan struct{}
	switch channel {
	case p.RuntimeConfigChannelName():
		forward = p.signals.reloadRuntimeConfig
	case p.PurposesChannelName():
		forward = p.signals.reloadPurposes
	case p.StopChannelName():
		forward = p.signals.stop
	default:
		return fmt.Errorf("unknown notification channel: %q", channel)
	}

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "listening")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryInterval):
			}
			continue
		}
		if notification.Payload == p.id {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}
		logger.InfoContext(ctx, "received notification", "payload", notification.Payload)
		if !sendSignal(ctx, forward) {
			logger.WarnContext(ctx, "unable to forward notification")
		}
	}
	return nil
}

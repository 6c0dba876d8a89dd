package cmd

import (
	"fmt"
	"github.com/arcward/onebot/onebot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := onebot.Version
	originalCommitSHA := onebot.CommitSHA
	originalBuildTime := onebot.BuildTime

	t.Cleanup(
		func() {
			onebot.Version = originalVersion
			onebot.CommitSHA = originalCommitSHA
			onebot.BuildTime = originalBuildTime
		},
	)

	onebot.Version = "1.0.0"
	onebot.CommitSHA = "abc123"
	onebot.BuildTime = "2026-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		onebot.Version,
		onebot.CommitSHA,
		onebot.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}

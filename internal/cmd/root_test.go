package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, currentVersion().Version)
		})
	}
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error", err: cause, want: 1},
		{name: "exit error", err: exitError(foundry.ExitInvalidArgument, "Invalid settings", cause), want: foundry.ExitInvalidArgument},
		{name: "wrapped exit error", err: fmt.Errorf("run: %w", exitError(foundry.ExitSignalInt, "Interrupted", cause)), want: foundry.ExitSignalInt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitFileNotFound, "Relaxation root not found", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fmt.Sprintf("Relaxation root not found: boom (exit code %d)", foundry.ExitFileNotFound), err.Error())
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "jobs", "doctor", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	flag := runCmd.Flags().Lookup("_managed-job-id")
	if assert.NotNil(t, flag) {
		assert.True(t, flag.Hidden)
	}
}

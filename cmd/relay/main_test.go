package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequireArgsWrapsAsBadArgs(t *testing.T) {
	validate := requireArgs(1, "pty requires a <cli> argument")

	err := validate(newRootCmd(), nil)
	require.Error(t, err)

	var bad errBadArgs
	require.True(t, errors.As(err, &bad))

	require.NoError(t, validate(newRootCmd(), []string{"claude"}))
}

func TestGormLogLevelMapping(t *testing.T) {
	require.NotEqual(t, gormLogLevel("debug"), gormLogLevel("error"))
}

func TestEnvOrDefaultFallsBackWhenUnset(t *testing.T) {
	t.Setenv("RELAY_TEST_VAR_NOT_SET", "")
	require.Equal(t, "fallback", envOrDefault("RELAY_TEST_VAR_NOT_SET", "fallback"))

	t.Setenv("RELAY_TEST_VAR_SET", "value")
	require.Equal(t, "value", envOrDefault("RELAY_TEST_VAR_SET", "fallback"))
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"init", "pty", "headless", "listen", "version"} {
		require.True(t, names[want], fmt.Sprintf("missing subcommand %s", want))
	}
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "scan", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "verimyst", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	wait := serveCmd.Flags().Lookup("wait-timeout")
	require.NotNil(t, wait)
	assert.Equal(t, "1m0s", wait.DefValue)
}

func TestScanCommand_Flags(t *testing.T) {
	for _, name := range []string{"type", "id", "timeout"} {
		assert.NotNil(t, scanCmd.Flags().Lookup(name), "scan command should have --%s flag", name)
	}
	assert.Error(t, scanCmd.Args(scanCmd, nil))
	assert.NoError(t, scanCmd.Args(scanCmd, []string{"file.txt"}))
}

package main

import (
	"flag"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, c subcommands.Command, args ...string) *flag.FlagSet {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	require.NoError(t, f.Parse(args))
	return f
}

func TestCommands_UniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range commands {
		require.False(t, seen[c.Name()], c.Name())
		seen[c.Name()] = true
		require.NotEmpty(t, c.Synopsis())
	}
	require.Len(t, seen, 6)
}

func TestCommands_UsageErrorsBeforeOpening(t *testing.T) {
	cases := []struct {
		cmd  subcommands.Command
		args []string
	}{
		{&priceCmd{}, nil},
		{&rateCmd{}, []string{"-from", "USD"}},
		{&searchCmd{}, nil},
		{&holdingCmd{}, []string{"-symbol", "BTC", "-quantity", "abc", "-family", "1"}},
		{&holdingCmd{}, []string{"-symbol", "BTC", "-quantity", "1"}},
	}
	for _, tc := range cases {
		f := parse(t, tc.cmd, tc.args...)
		require.Equal(t, subcommands.ExitUsageError, tc.cmd.Execute(t.Context(), f), "%s %v", tc.cmd.Name(), tc.args)
	}
}

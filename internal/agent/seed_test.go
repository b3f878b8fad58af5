package agent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"melodybrain/internal/agent"
	"melodybrain/internal/proto"
	"melodybrain/internal/testutil"
)

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]agent.Policy{
		"local":      agent.Local,
		"GLOBAL":     agent.Global,
		"new_local":  agent.NewLocal,
		" new-local": agent.NewLocal,
	} {
		got, err := agent.ParsePolicy(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := agent.ParsePolicy("shared")
	require.Error(t, err)
	require.Equal(t, "new_local", agent.NewLocal.String())
}

func TestSeedLocalSkipsNetwork(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{InitialSeed: seedPtr(99)})

	res, err := a.Seed(context.Background(), agent.Local, 0)
	require.NoError(t, err)
	require.Equal(t, agent.Result{Seed: 99}, res)
	require.Zero(t, s.queries.Load())
}

func TestSeedLocalWithStats(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{InitialSeed: seedPtr(99)})

	res, err := a.Seed(ctx, agent.Local, de)
	require.NoError(t, err)
	require.EqualValues(t, 99, res.Seed)
	require.NotNil(t, res.Stats)
	require.EqualValues(t, 7, res.Stats.Connected)
}

func TestSeedGlobal(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{InitialSeed: seedPtr(99)})

	res, err := a.Seed(ctx, agent.Global, de)
	require.NoError(t, err)
	require.EqualValues(t, 42, res.Seed)
	require.Equal(t, de, res.Stats.Country)

	// A zero country falls back to the worldwide aggregate.
	res, err = a.Seed(ctx, agent.Global, 0)
	require.NoError(t, err)
	require.Equal(t, proto.Worldwide, res.Stats.Country)
	require.EqualValues(t, 99, a.LocalSeed(), "global does not touch the local seed")
}

func TestSeedNewLocal(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{InitialSeed: seedPtr(99)})

	// Retry a few times in case the random draw repeats 99.
	var res agent.Result
	for range 4 {
		var err error
		res, err = a.Seed(context.Background(), agent.NewLocal, 0)
		require.NoError(t, err)
		if res.Seed != 99 {
			break
		}
	}
	require.NotEqual(t, int32(99), res.Seed)
	require.Equal(t, res.Seed, a.LocalSeed())
}

func TestSeedUnknownPolicy(t *testing.T) {
	t.Parallel()
	s := newFakeServer(t, echo(t))
	a := newAgent(t, s, agent.Options{})
	_, err := a.Seed(context.Background(), agent.Policy(42), de)
	require.Error(t, err)
}

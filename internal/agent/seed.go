package agent

import (
	"context"
	"strings"

	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
)

// Policy selects which seed Seed hands to the caller.
type Policy int

const (
	// Local uses the agent's own seed without a round trip.
	Local Policy = iota
	// Global uses the aggregate seed from the server's reply.
	Global
	// NewLocal draws a fresh local seed, stores it and uses it.
	NewLocal
)

func (p Policy) String() string {
	switch p {
	case Local:
		return "local"
	case Global:
		return "global"
	case NewLocal:
		return "new_local"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return Local, nil
	case "global":
		return Global, nil
	case "new_local", "new-local":
		return NewLocal, nil
	default:
		return 0, xerrors.Errorf("unknown seed policy %q", s)
	}
}

type Result struct {
	Seed int32 `json:"seed"`
	// Stats is nil when no query was made.
	Stats *proto.StatsReply `json:"stats,omitempty"`
}

// Seed resolves the seed for policy. Country selects the statistics to fetch;
// with Local and NewLocal a zero country skips the network entirely. Global
// always queries and treats a zero country as Worldwide.
func (a *Agent) Seed(ctx context.Context, policy Policy, country proto.Country) (Result, error) {
	var res Result
	switch policy {
	case Local:
		res.Seed = a.seed.Load()
	case NewLocal:
		res.Seed = randomSeed()
		a.seed.Store(res.Seed)
	case Global:
		if country == 0 {
			country = proto.Worldwide
		}
	default:
		return Result{}, xerrors.Errorf("unknown seed policy %d", int(policy))
	}
	if country == 0 {
		return res, nil
	}
	stats, err := a.Query(ctx, country)
	if err != nil {
		return Result{}, err
	}
	res.Stats = &stats
	if policy == Global {
		res.Seed = stats.Seed
	}
	return res, nil
}

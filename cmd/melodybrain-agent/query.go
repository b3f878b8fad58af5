package main

import (
	"encoding/json"
	"io"

	"github.com/coder/quartz"
	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"melodybrain/internal/agent"
	"melodybrain/internal/proto"
)

type queryOutput struct {
	Policy    string             `json:"policy"`
	Seed      int32              `json:"seed"`
	Country   string             `json:"country,omitempty"`
	Connected *uint32            `json:"connected,omitempty"`
	Heatmap   map[string]float32 `json:"heatmap,omitempty"`
}

func queryCmd() *serpent.Command {
	var (
		cfg     clientConfig
		country string
		policy  string
	)
	opts := cfg.options()
	opts = append(opts,
		serpent.Option{
			Name:        "country",
			Description: "ISO 3166-1 alpha-2 code to fetch statistics for. WW is worldwide. Empty skips the query for local policies.",
			Flag:        "country",
			Value:       serpent.StringOf(&country),
		},
		serpent.Option{
			Name:        "seed",
			Description: "Seed policy: local, global or new_local.",
			Flag:        "seed",
			Default:     "global",
			Value:       serpent.StringOf(&policy),
		},
	)
	return &serpent.Command{
		Use:     "query",
		Short:   "Resolve a seed and print it with the country statistics as JSON.",
		Options: opts,
		Handler: func(inv *serpent.Invocation) error {
			p, err := agent.ParsePolicy(policy)
			if err != nil {
				return err
			}
			var c proto.Country
			if country != "" {
				var ok bool
				if c, ok = proto.ParseCountry(country); !ok {
					return xerrors.Errorf("unknown country code %q", country)
				}
			}
			ctx := inv.Context()
			a, err := agent.Dial(ctx, cfg.Server, agent.Options{
				Logger:         newLogger(inv.Stderr, cfg.Verbose),
				Clock:          quartz.NewReal(),
				AttemptTimeout: cfg.AttemptTimeout,
				MaxAttempts:    int(cfg.MaxAttempts),
				Deadline:       cfg.Deadline,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Seed(ctx, p, c)
			if err != nil {
				return err
			}
			return writeQueryOutput(inv.Stdout, p, res)
		},
	}
}

func writeQueryOutput(w io.Writer, p agent.Policy, res agent.Result) error {
	out := queryOutput{Policy: p.String(), Seed: res.Seed}
	if res.Stats != nil {
		out.Country = res.Stats.Country.String()
		out.Connected = &res.Stats.Connected
		out.Heatmap = make(map[string]float32)
		for i, share := range res.Stats.Heatmap {
			if share > 0 {
				out.Heatmap[proto.Country(i).String()] = share
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

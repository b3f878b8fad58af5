package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/coder/serpent"

	"melodybrain/internal/network"
)

func statusCmd() *serpent.Command {
	var (
		addr    string
		secret  string
		timeout time.Duration
		asJSON  bool
	)
	return &serpent.Command{
		Use:   "status",
		Short: "Fetch counters and per-country aggregates from a running server.",
		Options: serpent.OptionSet{
			{
				Name:        "admin-address",
				Description: "QUIC address of the admin status feed.",
				Flag:        "admin-address",
				Env:         "MELODYBRAIN_ADMIN_ADDRESS",
				Default:     "127.0.0.1:2027",
				Value:       serpent.StringOf(&addr),
			},
			{
				Name:        "admin-secret",
				Description: "Shared secret the server was started with.",
				Flag:        "admin-secret",
				Env:         "MELODYBRAIN_ADMIN_SECRET",
				Value:       serpent.StringOf(&secret),
			},
			{
				Name:        "timeout",
				Description: "Give up after this long.",
				Flag:        "timeout",
				Default:     "5s",
				Value:       serpent.DurationOf(&timeout),
			},
			{
				Name:        "json",
				Description: "Print the raw status document.",
				Flag:        "json",
				Value:       serpent.BoolOf(&asJSON),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, cancel := context.WithTimeout(inv.Context(), timeout)
			defer cancel()
			st, err := network.Fetch(ctx, addr, secret)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(inv.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStatus(inv.Stdout, st)
		},
	}
}

func printStatus(w io.Writer, st network.Status) error {
	m := st.Metrics
	fmt.Fprintf(w, "generated  %s\n", st.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "store      %s\n", st.Store)
	fmt.Fprintf(w, "datagrams  received=%d replies=%d send_errors=%d\n",
		m.Datagrams.Received, m.Datagrams.Replies, m.Datagrams.SendErrors)
	fmt.Fprintf(w, "drops      decode=%d non_ipv4=%d out_of_range=%d\n",
		m.DropByReason["decode"], m.DropByReason["non_ipv4"], m.DropByReason["out_of_range"])
	fmt.Fprintf(w, "presence   created=%d reactivated=%d refreshed=%d deduped=%d\n",
		m.Presence.Created, m.Presence.Reactivated, m.Presence.Refreshed, m.Presence.Deduped)
	fmt.Fprintf(w, "sweeps     runs=%d evicted=%d last=%s\n\n",
		m.Sweep.Runs, m.Sweep.Evicted, m.Sweep.LastDuration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTRY\tACTIVE\tUNIQUE\tSEED\tCUM_DURATION")
	for _, c := range st.Countries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", c.Country, c.Active, c.Unique, c.Seed,
			time.Duration(c.CumDuration)*time.Second)
	}
	return tw.Flush()
}

package main

import (
	"encoding/json"
	"net/netip"
	"strings"
	"time"

	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"melodybrain/internal/proto"
	"melodybrain/internal/store"
)

type recordView struct {
	Bucket      string     `json:"bucket"`
	Created     bool       `json:"created"`
	Active      bool       `json:"active"`
	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CumDuration uint32     `json:"cum_duration"`
	Hits        uint32     `json:"hits"`
	Country     string     `json:"country"`
}

type aggregateView struct {
	Country     string `json:"country"`
	Active      uint32 `json:"active"`
	Unique      uint32 `json:"unique"`
	Seed        int32  `json:"seed"`
	CumDuration uint32 `json:"cum_duration"`
}

func inspectCmd() *serpent.Command {
	var (
		storePath string
		ip        string
		country   string
	)
	return &serpent.Command{
		Use:   "inspect",
		Short: "Print one bucket record or one country aggregate from a store file.",
		Options: serpent.OptionSet{
			{
				Name:        "store",
				Description: "Path of the presence index file.",
				Flag:        "store",
				Env:         "MELODYBRAIN_STORE",
				Default:     "./ipv4.bin",
				Value:       serpent.StringOf(&storePath),
			},
			{
				Name:        "ip",
				Description: "IPv4 address whose /24 bucket to print.",
				Flag:        "ip",
				Value:       serpent.StringOf(&ip),
			},
			{
				Name:        "country",
				Description: "ISO 3166-1 alpha-2 code of the aggregate to print. WW is worldwide, ZZ is unknown.",
				Flag:        "country",
				Value:       serpent.StringOf(&country),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			if (ip == "") == (country == "") {
				return xerrors.New("exactly one of --ip or --country is required")
			}
			st, err := store.OpenReadOnly(storePath)
			if err != nil {
				return xerrors.Errorf("open store: %w", err)
			}
			defer st.Close()

			enc := json.NewEncoder(inv.Stdout)
			enc.SetIndent("", "  ")
			if ip != "" {
				view, err := inspectIP(st, ip)
				if err != nil {
					return err
				}
				return enc.Encode(view)
			}
			view, err := inspectCountry(st, country)
			if err != nil {
				return err
			}
			return enc.Encode(view)
		},
	}
}

func inspectIP(st *store.Store, raw string) (recordView, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return recordView{}, xerrors.Errorf("parse ip: %w", err)
	}
	bucket, ok := store.Bucket(addr)
	if !ok {
		return recordView{}, xerrors.Errorf("%s is not a tracked IPv4 unicast address", addr)
	}
	rec := st.IP(bucket)
	a4 := addr.Unmap().As4()
	view := recordView{
		Bucket:      netip.PrefixFrom(netip.AddrFrom4([4]byte{a4[0], a4[1], a4[2], 0}), 24).String(),
		Created:     rec.Created(),
		Active:      rec.Active(),
		CumDuration: rec.CumDuration,
		Hits:        rec.Hits,
		Country:     rec.Country.String(),
	}
	if rec.Created() {
		view.FirstSeen = unixPtr(rec.FirstSeen)
	}
	if rec.Active() {
		view.LastSeen = unixPtr(rec.LastSeen)
	}
	return view, nil
}

func inspectCountry(st *store.Store, iso string) (aggregateView, error) {
	c, ok := proto.ParseCountry(iso)
	if strings.EqualFold(strings.TrimSpace(iso), proto.Unknown.String()) {
		c, ok = proto.Unknown, true
	}
	if !ok {
		return aggregateView{}, xerrors.Errorf("unknown country code %q", iso)
	}
	a := st.Country(c)
	return aggregateView{
		Country:     c.String(),
		Active:      a.Active,
		Unique:      a.Unique,
		Seed:        int32(a.Seed),
		CumDuration: a.CumDuration,
	}, nil
}

func unixPtr(sec uint64) *time.Time {
	t := time.Unix(int64(sec), 0).UTC()
	return &t
}

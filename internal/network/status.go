package network

import (
	"time"

	"melodybrain/internal/metrics"
)

// Status is the document served to admin clients.
type Status struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Store       string           `json:"store"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Countries   []CountryStatus  `json:"countries"`
}

type CountryStatus struct {
	Country     string `json:"country"`
	Active      uint32 `json:"active"`
	Unique      uint32 `json:"unique"`
	Seed        int32  `json:"seed"`
	CumDuration uint32 `json:"cum_duration"`
}

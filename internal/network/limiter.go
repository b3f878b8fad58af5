package network

import (
	"net/netip"
	"sync"
)

// ipLimiter caps concurrent admin connections and streams per source address.
// A cap of zero or less disables that check.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[netip.Addr]int
	streamCounts map[netip.Addr]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[netip.Addr]int),
		streamCounts: make(map[netip.Addr]int),
	}
}

func (l *ipLimiter) acquireConn(ip netip.Addr) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip netip.Addr) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip netip.Addr) bool {
	return l.acquire(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip netip.Addr) {
	l.release(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) acquire(counts map[netip.Addr]int, limit int, ip netip.Addr) bool {
	if limit <= 0 {
		return true
	}
	ip = ip.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func (l *ipLimiter) release(counts map[netip.Addr]int, limit int, ip netip.Addr) {
	if limit <= 0 {
		return
	}
	ip = ip.Unmap()
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

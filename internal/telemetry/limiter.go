package telemetry

import (
	"sync"
	"time"
)

// RateLimitConfig bounds how many datagrams one peer may send per window.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RecordsPerPeer  int           `yaml:"records_per_peer"`
	BurstSize       int           `yaml:"burst_size"`
	WindowSize      time.Duration `yaml:"window_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRateLimitConfig returns the default per-peer limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:         true,
		RecordsPerPeer:  5000,
		BurstSize:       500,
		WindowSize:      time.Second,
		CleanupInterval: time.Minute,
	}
}

// PeerLimiter is a fixed-window limiter keyed by peer address.
type PeerLimiter struct {
	cfg         RateLimitConfig
	peers       map[string]*peerWindow
	nextCleanup time.Time
	limited     uint64
	mu          sync.Mutex
	now         func() time.Time
}

type peerWindow struct {
	count     int
	windowEnd time.Time
}

// NewPeerLimiter creates a limiter. A disabled config yields a limiter that
// allows everything.
func NewPeerLimiter(cfg RateLimitConfig) *PeerLimiter {
	d := DefaultRateLimitConfig()
	if cfg.RecordsPerPeer <= 0 {
		cfg.RecordsPerPeer = d.RecordsPerPeer
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = d.WindowSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}
	return &PeerLimiter{
		cfg:   cfg,
		peers: make(map[string]*peerWindow),
		now:   time.Now,
	}
}

// Allow reports whether peer may send another datagram.
func (l *PeerLimiter) Allow(peer string) bool {
	if l == nil || !l.cfg.Enabled {
		return true
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextCleanup) {
		l.cleanupLocked(now)
		l.nextCleanup = now.Add(l.cfg.CleanupInterval)
	}

	w, ok := l.peers[peer]
	if !ok || now.After(w.windowEnd) {
		w = &peerWindow{windowEnd: now.Add(l.cfg.WindowSize)}
		l.peers[peer] = w
	}

	if w.count >= l.cfg.RecordsPerPeer+l.cfg.BurstSize {
		l.limited++
		return false
	}
	w.count++
	return true
}

// cleanupLocked forgets peers idle for two windows. Must hold mu.
func (l *PeerLimiter) cleanupLocked(now time.Time) {
	threshold := now.Add(-2 * l.cfg.WindowSize)
	for peer, w := range l.peers {
		if w.windowEnd.Before(threshold) {
			delete(l.peers, peer)
		}
	}
}

// LimiterStats holds limiter statistics.
type LimiterStats struct {
	TrackedPeers int    `json:"tracked_peers"`
	Limited      uint64 `json:"limited"`
}

// Stats returns the current statistics.
func (l *PeerLimiter) Stats() LimiterStats {
	if l == nil {
		return LimiterStats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{TrackedPeers: len(l.peers), Limited: l.limited}
}

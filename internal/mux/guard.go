package mux

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// GuardConfig blocks remotes that keep opening connections which never
// speak the protocol (probe timeouts, bad magic, malformed frames).
type GuardConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// blocks a remote. Zero disables the guard.
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
}

type remoteState struct {
	failures     []time.Time
	blockedUntil time.Time
}

type guard struct {
	cfg    GuardConfig
	logger pslog.Logger
	now    func() time.Time

	mu      sync.Mutex
	remotes map[string]*remoteState
}

func newGuard(cfg GuardConfig, logger pslog.Logger, now func() time.Time) *guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Minute
	}
	return &guard{cfg: cfg, logger: logger, now: now, remotes: make(map[string]*remoteState)}
}

// fail records a failure and reports whether the remote is now blocked.
func (g *guard) fail(remote, reason string) bool {
	if g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = remoteHost(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.remotes[remote]
	if st == nil {
		st = &remoteState{}
		g.remotes[remote] = st
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(st.failures) > 0 && st.failures[0].Before(cutoff) {
		st.failures = st.failures[1:]
	}
	st.failures = append(st.failures, now)
	if len(st.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("mux.guard.suspicious", "remote", remote, "reason", reason, "count", len(st.failures), "threshold", g.cfg.FailureThreshold)
		return false
	}
	st.blockedUntil = now.Add(g.cfg.BlockDuration)
	st.failures = nil
	g.logger.Warn("mux.guard.blocked", "remote", remote, "reason", reason, "duration", g.cfg.BlockDuration)
	return true
}

func (g *guard) blocked(remote string) bool {
	if g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = remoteHost(remote)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.remotes[remote]
	if st == nil || st.blockedUntil.IsZero() {
		return false
	}
	if st.blockedUntil.After(now) {
		return true
	}
	st.blockedUntil = time.Time{}
	g.logger.Info("mux.guard.released", "remote", remote)
	if len(st.failures) == 0 {
		delete(g.remotes, remote)
	}
	return false
}

func remoteHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

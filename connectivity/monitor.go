// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package connectivity decides whether the survey server is actually
// reachable. The platform's link signal only says whether a network exists;
// the Monitor confirms reachability with active probes before reporting online.

package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/pubsub"
)

// Prober checks server reachability. Any error means unreachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config holds monitor timing
type Config struct {
	Interval      time.Duration // periodic probe interval, 30s
	ProbeTimeout  time.Duration // per-probe bound, 5s
	InitialOnline bool          // best-effort guess before the first probe
}

// DefaultConfig returns the standard 30s/5s probing configuration
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		InitialOnline: true,
	}
}

// Monitor tracks online/offline state and notifies subscribers on transitions.
// Construct one per process, Start it, and Close it on shutdown.
type Monitor struct {
	prober Prober
	config Config
	logger *slog.Logger

	online atomic.Bool

	// transitionMu orders state changes and their notifications and guards
	// the link fields below
	transitionMu sync.Mutex
	linkDown     bool   // set by LinkDown, cleared by LinkUp
	linkGen      uint64 // bumped by every LinkDown
	probeMu      sync.Mutex
	subs         pubsub.Broadcaster[bool]

	lifecycleMu sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMonitor creates a monitor; it does not probe until Start, Check or LinkUp
func NewMonitor(prober Prober, config Config, logger *slog.Logger) (*Monitor, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober: prober,
		config: config,
		logger: logger,
	}
	m.online.Store(config.InitialOnline)
	return m, nil
}

// IsOnline reports the current settled status
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Subscribe calls fn immediately with the current status, then once per
// transition. Callbacks run synchronously in registration order and must not
// call LinkUp, LinkDown or Check themselves.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	unsubscribe = m.subs.Subscribe(fn)
	fn(m.online.Load())
	return unsubscribe
}

// LinkDown reports loss of the network link; status flips offline without
// probing. A probe already in flight cannot bring the status back online, and
// neither can later probes until LinkUp.
func (m *Monitor) LinkDown() {
	m.logger.Debug("link down")
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.linkDown = true
	m.linkGen++
	m.transitionLocked(false)
}

// LinkUp reports that the network link came back. Status becomes online only
// if a probe confirms the server is reachable.
func (m *Monitor) LinkUp(ctx context.Context) bool {
	m.logger.Debug("link up, verifying reachability")
	m.transitionMu.Lock()
	m.linkDown = false
	m.transitionMu.Unlock()
	return m.Check(ctx)
}

// Check runs one probe-and-settle cycle and returns the resulting status
func (m *Monitor) Check(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.transitionMu.Lock()
	gen := m.linkGen
	m.transitionMu.Unlock()

	err := m.probe(ctx)
	if err != nil {
		m.logger.Debug("reachability probe failed", "error", err)
		m.setOnline(false)
		return m.online.Load()
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.linkDown || m.linkGen != gen {
		m.logger.Debug("ignoring successful probe, link is down")
		return m.online.Load()
	}
	m.transitionLocked(true)
	return m.online.Load()
}

// probe never panics past the monitor; a timeout is just another failure
func (m *Monitor) probe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(ctx)
}

func (m *Monitor) setOnline(online bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.transitionLocked(online)
}

func (m *Monitor) transitionLocked(online bool) {
	if m.online.Load() == online {
		return
	}
	m.online.Store(online)
	if online {
		m.logger.Info("server reachable, status online")
	} else {
		m.logger.Info("server unreachable, status offline")
	}
	m.subs.Publish(online)
}

// Start launches the periodic probe loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Close stops the probe loop and drops all subscribers. Safe to call repeatedly.
func (m *Monitor) Close() {
	m.lifecycleMu.Lock()
	if m.closed {
		m.lifecycleMu.Unlock()
		return
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.subs.Close()
}

// HTTPProber probes by issuing GET against a cheap health endpoint
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber probes <baseURL>/ping
func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{URL: baseURL + "/ping", Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProber answers with whatever reachable currently says
type fakeProber struct {
	reachable atomic.Bool
	calls     atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.reachable.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func newTestMonitor(t *testing.T, initialOnline bool, p Prober) *Monitor {
	t.Helper()
	m, err := NewMonitor(p, Config{Interval: time.Hour, ProbeTimeout: 50 * time.Millisecond, InitialOnline: initialOnline}, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestMonitor_SubscribeDeliversCurrentStatus(t *testing.T) {
	m := newTestMonitor(t, false, &fakeProber{})

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })
	require.Equal(t, []bool{false}, got)
}

func TestMonitor_LinkDownFlipsOfflineWithoutProbe(t *testing.T) {
	p := &fakeProber{}
	p.reachable.Store(true)
	m := newTestMonitor(t, true, p)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })
	m.LinkDown()

	require.False(t, m.IsOnline())
	require.Equal(t, []bool{true, false}, got)
	require.Zero(t, p.calls.Load())
}

func TestMonitor_LinkUpRequiresSuccessfulProbe(t *testing.T) {
	p := &fakeProber{}
	m := newTestMonitor(t, false, p)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	require.False(t, m.LinkUp(context.Background()))
	require.False(t, m.IsOnline())
	require.Equal(t, []bool{false}, got)

	p.reachable.Store(true)
	require.True(t, m.LinkUp(context.Background()))
	require.True(t, m.IsOnline())
	require.Equal(t, []bool{false, true}, got)
	require.Equal(t, int32(2), p.calls.Load())
}

func TestMonitor_LinkDownDuringProbeWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newTestMonitor(t, false, ProberFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	m.config.ProbeTimeout = 5 * time.Second

	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	result := make(chan bool, 1)
	go func() { result <- m.LinkUp(context.Background()) }()
	<-started
	m.LinkDown()
	close(release)

	require.False(t, <-result)
	require.False(t, m.IsOnline())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false}, got)
}

func TestMonitor_LinkDownHoldsUntilLinkUp(t *testing.T) {
	p := &fakeProber{}
	p.reachable.Store(true)
	m := newTestMonitor(t, true, p)

	m.LinkDown()
	require.False(t, m.Check(context.Background()))
	require.False(t, m.IsOnline())

	require.True(t, m.LinkUp(context.Background()))
	require.True(t, m.Check(context.Background()))
}

func TestMonitor_NotifiesOnlyOnTransitions(t *testing.T) {
	p := &fakeProber{}
	p.reachable.Store(true)
	m := newTestMonitor(t, true, p)

	notifications := 0
	m.Subscribe(func(bool) { notifications++ })
	notifications = 0

	ctx := context.Background()
	require.True(t, m.Check(ctx))
	require.True(t, m.Check(ctx))
	require.Zero(t, notifications)

	p.reachable.Store(false)
	require.False(t, m.Check(ctx))
	require.False(t, m.Check(ctx))
	require.Equal(t, 1, notifications)
}

func TestMonitor_SubscribersNotifiedInRegistrationOrder(t *testing.T) {
	m := newTestMonitor(t, true, &fakeProber{})

	var order []string
	m.Subscribe(func(online bool) {
		if !online {
			order = append(order, "first")
		}
	})
	m.Subscribe(func(online bool) {
		if !online {
			order = append(order, "second")
		}
	})
	m.LinkDown()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestMonitor_UnsubscribeStopsNotifications(t *testing.T) {
	m := newTestMonitor(t, true, &fakeProber{})

	calls := 0
	unsubscribe := m.Subscribe(func(bool) { calls++ })
	unsubscribe()
	m.LinkDown()
	require.Equal(t, 1, calls)

	m.Close()
	require.NotPanics(t, unsubscribe)
}

func TestMonitor_ProbeTimeoutCountsAsOffline(t *testing.T) {
	blocking := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := newTestMonitor(t, true, blocking)

	start := time.Now()
	require.False(t, m.Check(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestMonitor_PanickingProberIsContained(t *testing.T) {
	m := newTestMonitor(t, true, ProberFunc(func(context.Context) error { panic("boom") }))
	require.NotPanics(t, func() {
		require.False(t, m.Check(context.Background()))
	})
}

func TestMonitor_PeriodicProbeSettlesStatus(t *testing.T) {
	p := &fakeProber{}
	m, err := NewMonitor(p, Config{Interval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond, InitialOnline: true}, nil)
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)

	p.reachable.Store(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	m.Close()
	m.Close()
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false, true}, got)
}

func TestNewMonitor_RequiresProber(t *testing.T) {
	_, err := NewMonitor(nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestHTTPProber(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL, srv.Client())
	require.NoError(t, p.Probe(context.Background()))

	healthy.Store(false)
	require.Error(t, p.Probe(context.Background()))

	srv.Close()
	require.Error(t, p.Probe(context.Background()))
}

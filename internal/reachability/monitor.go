// Package reachability classifies network connectivity for job gating.
// The dial prober distinguishes online from offline; finer levels
// (cellular vs wifi) come from host-specific monitors implementing the
// same interface.
package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/models"
)

// DefaultProbeInterval paces connectivity probes.
const DefaultProbeInterval = 15 * time.Second

// DefaultProbeTimeout bounds a single dial attempt.
const DefaultProbeTimeout = 5 * time.Second

// subscriptions fans level changes out to registered callbacks.
type subscriptions struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(models.NetworkLevel)
}

func (s *subscriptions) add(fn func(models.NetworkLevel)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(models.NetworkLevel))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscriptions) notify(level models.NetworkLevel) {
	s.mu.Lock()
	fns := make([]func(models.NetworkLevel), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(level)
	}
}

// DialMonitor probes a target address periodically and reports NetworkAny
// while the dial succeeds, NetworkNone otherwise.
type DialMonitor struct {
	target   string
	interval time.Duration
	logger   *common.Logger

	mu    sync.Mutex
	level models.NetworkLevel

	subs   subscriptions
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDialMonitor creates a prober against target (host:port). The monitor
// starts optimistic: it reports NetworkAny until the first probe fails, so
// a cold start never stalls delivery waiting for a probe.
func NewDialMonitor(target string, interval time.Duration, logger *common.Logger) *DialMonitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &DialMonitor{
		target:   target,
		interval: interval,
		logger:   logger,
		level:    models.NetworkAny,
	}
}

// Start launches the probe loop.
func (m *DialMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			m.probe()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop halts probing. The last observed level keeps being reported.
func (m *DialMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *DialMonitor) probe() {
	conn, err := net.DialTimeout("tcp", m.target, DefaultProbeTimeout)
	level := models.NetworkAny
	if err != nil {
		level = models.NetworkNone
	} else {
		conn.Close()
	}

	m.mu.Lock()
	changed := m.level != level
	m.level = level
	m.mu.Unlock()

	if changed {
		m.logger.Debug().Str("target", m.target).Str("level", level.String()).Msg("Connectivity changed")
		m.subs.notify(level)
	}
}

// Level returns the current connectivity classification.
func (m *DialMonitor) Level() models.NetworkLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Subscribe registers a change callback.
func (m *DialMonitor) Subscribe(fn func(models.NetworkLevel)) func() {
	return m.subs.add(fn)
}

// ManualMonitor is a test monitor whose level is set by hand.
type ManualMonitor struct {
	mu    sync.Mutex
	level models.NetworkLevel
	subs  subscriptions
}

// NewManualMonitor starts at the given level.
func NewManualMonitor(level models.NetworkLevel) *ManualMonitor {
	return &ManualMonitor{level: level}
}

// SetLevel changes the reported level and notifies subscribers.
func (m *ManualMonitor) SetLevel(level models.NetworkLevel) {
	m.mu.Lock()
	changed := m.level != level
	m.level = level
	m.mu.Unlock()
	if changed {
		m.subs.notify(level)
	}
}

// Level returns the current level.
func (m *ManualMonitor) Level() models.NetworkLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Subscribe registers a change callback.
func (m *ManualMonitor) Subscribe(fn func(models.NetworkLevel)) func() {
	return m.subs.add(fn)
}

// AlwaysCharging is the default power monitor for hosts without a battery.
type AlwaysCharging struct{}

// Charging always reports true.
func (AlwaysCharging) Charging() bool { return true }

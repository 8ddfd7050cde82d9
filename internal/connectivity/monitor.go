// Package connectivity tracks the online/offline state supplied by the
// host runtime and fans transitions out to subscribers.
package connectivity

import (
	"log"
	"os"
	"sync"
	"time"
)

// Monitor holds the current connectivity state and notifies subscribers
// on transitions. A coarse periodic timer re-fires the online callbacks
// while connected, so subscribers get opportunistic wake-ups without
// polling themselves.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool

	logger *log.Logger
}

// NewMonitor creates a Monitor that starts offline.
//
// interval is the periodic wake-up cadence; zero disables the timer.
// If logger is nil, a default logger writing to stderr is used.
func NewMonitor(interval time.Duration, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		subs:     make(map[int]func(bool)),
		interval: interval,
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state reported by the host runtime. Subscribers
// fire only on an actual transition; repeated reports of the same state
// are no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := m.snapshotSubs()
	m.mu.Unlock()

	if online {
		m.logger.Printf("Connection restored")
	} else {
		m.logger.Printf("Connection lost")
	}

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a transition callback and returns its unsubscribe
// function. Callbacks run on the caller's goroutine of SetOnline (or the
// timer goroutine for periodic wake-ups) and should not block.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Start launches the periodic wake-up timer. No-op when the interval is
// zero or the monitor is already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running || m.interval <= 0 {
		return
	}
	m.running = true

	m.wg.Add(1)
	go m.tickLoop()
}

// Stop halts the periodic timer and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// tickLoop re-fires online subscribers on a coarse cadence while online.
func (m *Monitor) tickLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return

		case <-ticker.C:
			m.mu.Lock()
			online := m.online
			subs := m.snapshotSubs()
			m.mu.Unlock()

			if !online {
				continue
			}
			for _, fn := range subs {
				fn(true)
			}
		}
	}
}

// snapshotSubs copies the subscriber list. Caller must hold mu.
func (m *Monitor) snapshotSubs() []func(bool) {
	out := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

// Package transport keeps the local table fresh: a fixed-interval poll that
// always runs, plus an optional push channel that triggers extra refreshes.
//
// The push side is a small state machine:
//
//	PollingOnly -> AttemptingPush -> PushConnected <-> PushReconnecting
//	                                      any push state -> PushDisabled
//
// Reconnect delays grow as Backoff(attempt, BaseDelay, MaxDelay) and the
// attempt counter only resets after a successful connect. Once disabled, push
// stays off for the rest of the session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/metrics"
)

// Config holds configuration for the transport manager.
type Config struct {
	// PollInterval is the fixed polling period
	PollInterval time.Duration

	// PushEnabled turns on the push channel after the first successful fetch
	PushEnabled bool

	// BaseDelay and MaxDelay bound the reconnect backoff
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxReconnectAttempts is how many failed reconnects are tolerated before
	// push is disabled
	MaxReconnectAttempts int

	// MaxSetupAttempts is how many failed EnablePush calls are tolerated
	MaxSetupAttempts int

	// OnStateChange is called after every transition, outside any lock
	OnStateChange func(from, to State)

	// Logger for transport activity
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:         5 * time.Second,
		PushEnabled:          true,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		MaxReconnectAttempts: 10,
		MaxSetupAttempts:     5,
		Logger:               log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// Manager owns the polling timer and the push subscription.
type Manager struct {
	refresh RefreshFunc
	channel Channel
	enabler PushEnabler
	config  *Config

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	visible bool

	state         State
	attempts      int
	setupAttempts int
	pushStarted   bool
	pushWanted    bool
	enabled       bool
	pushGen       uint64
	sub           Subscription
	reconnect     *time.Timer

	pollCancel     context.CancelFunc
	resume         *time.Timer
	suspendedUntil time.Time

	wg sync.WaitGroup
}

// New creates a manager. channel and enabler may be nil, which leaves the
// manager polling only.
func New(refresh RefreshFunc, channel Channel, enabler PushEnabler, config *Config) (*Manager, error) {
	if refresh == nil {
		return nil, fmt.Errorf("refresh func cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if config.BaseDelay <= 0 || config.MaxDelay < config.BaseDelay {
		return nil, fmt.Errorf("invalid backoff bounds %v..%v", config.BaseDelay, config.MaxDelay)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	return &Manager{
		refresh: refresh,
		channel: channel,
		enabler: enabler,
		config:  config,
		state:   StatePollingOnly,
	}, nil
}

// Start begins polling and fetches once right away. Push is attempted after
// the first successful fetch.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("transport already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.visible = true
	m.startPollingLocked()
	m.mu.Unlock()

	m.config.Logger.Printf("Polling every %v", m.config.PollInterval)
	go m.refreshOnce()
	return nil
}

// Stop cancels every timer and closes the push subscription. Refreshes
// already in flight are not cancelled.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.pushGen++
	m.stopPollingLocked()
	m.stopTimerLocked(&m.resume)
	m.stopTimerLocked(&m.reconnect)
	m.closeSubLocked()
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.config.Logger.Printf("Transport stopped")
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionState returns the user-facing connection summary.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return connectionState(m.state, m.visible)
}

// Attempts returns the reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// PollingSuspended reports whether a rate-limit cooldown is active.
func (m *Manager) PollingSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.suspendedUntil.IsZero()
}

// SuspendPolling stops polling now and restarts it after d.
func (m *Manager) SuspendPolling(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.stopPollingLocked()
	m.stopTimerLocked(&m.resume)
	m.suspendedUntil = time.Now().Add(d)
	m.resume = time.AfterFunc(d, m.resumePolling)
	m.config.Logger.Printf("Polling suspended until %s", m.suspendedUntil.Format(time.TimeOnly))
}

func (m *Manager) resumePolling() {
	m.mu.Lock()
	m.resume = nil
	m.suspendedUntil = time.Time{}
	if !m.running || !m.visible {
		m.mu.Unlock()
		return
	}
	m.startPollingLocked()
	m.mu.Unlock()

	m.config.Logger.Printf("Polling resumed")
	m.refreshOnce()
}

// SetVisible suspends polling and push while the host is hidden. Becoming
// visible refreshes at once, restarts polling and reconnects push if it was
// active before hiding.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	if !m.running || m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible

	if !visible {
		m.pushWanted = m.state.pushCapable()
		m.pushGen++
		m.stopPollingLocked()
		m.stopTimerLocked(&m.reconnect)
		m.closeSubLocked()
		notify := func() {}
		if m.pushWanted {
			notify = m.setStateLocked(StatePollingOnly)
		}
		m.mu.Unlock()
		notify()
		m.config.Logger.Printf("Hidden: polling and push paused")
		return
	}

	suspended := !m.suspendedUntil.IsZero()
	if !suspended {
		m.startPollingLocked()
	}
	notify := func() {}
	reconnect := m.pushWanted && m.state != StatePushDisabled
	gen := m.pushGen
	if reconnect {
		notify = m.setStateLocked(StateAttemptingPush)
	}
	m.pushWanted = false
	m.mu.Unlock()
	notify()

	if !suspended {
		go m.refreshOnce()
	}
	if reconnect {
		go m.beginPush(gen)
	}
}

// RefreshNow runs one refresh unless the transport is stopped, hidden or
// rate-limited.
func (m *Manager) RefreshNow() {
	m.refreshOnce()
}

func (m *Manager) refreshOnce() {
	m.mu.Lock()
	if !m.running || !m.visible || !m.suspendedUntil.IsZero() {
		m.mu.Unlock()
		return
	}
	ctx := context.WithoutCancel(m.ctx)
	m.mu.Unlock()

	err := m.refresh(ctx)
	if err != nil {
		return
	}

	m.mu.Lock()
	start := m.running && m.visible && m.config.PushEnabled && m.channel != nil &&
		!m.pushStarted && m.state == StatePollingOnly
	var notify func()
	gen := m.pushGen
	if start {
		m.pushStarted = true
		notify = m.setStateLocked(StateAttemptingPush)
	}
	m.mu.Unlock()

	if start {
		notify()
		go m.beginPush(gen)
	}
}

func (m *Manager) startPollingLocked() {
	if m.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.pollCancel = cancel
	go m.pollLoop(ctx, m.config.PollInterval)
}

func (m *Manager) stopPollingLocked() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
}

// SetPollInterval changes the polling period. A running poll loop restarts
// with the new period.
func (m *Manager) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.PollInterval == d {
		return nil
	}
	m.config.PollInterval = d
	if m.pollCancel != nil {
		m.stopPollingLocked()
		m.startPollingLocked()
	}
	return nil
}

func (m *Manager) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.refreshOnce()
		}
	}
}

// canPushLocked reports whether push work for generation gen is still wanted.
func (m *Manager) canPushLocked(gen uint64) bool {
	return m.running && m.visible && gen == m.pushGen && m.state != StatePushDisabled
}

// beginPush enables push once per session, then subscribes.
func (m *Manager) beginPush(gen uint64) {
	m.mu.Lock()
	if !m.canPushLocked(gen) {
		m.mu.Unlock()
		return
	}
	enabled := m.enabled
	ctx := m.ctx
	m.mu.Unlock()

	if !enabled && m.enabler != nil {
		err := m.enabler.EnablePush(ctx)

		m.mu.Lock()
		if !m.canPushLocked(gen) {
			m.mu.Unlock()
			return
		}
		if err != nil {
			notify := m.setupFailedLocked(gen, err)
			m.mu.Unlock()
			notify()
			return
		}
		m.enabled = true
		m.mu.Unlock()
		m.config.Logger.Printf("Push enabled")
	}

	m.connect(gen)
}

func (m *Manager) setupFailedLocked(gen uint64, err error) func() {
	if errs.Classify(err) == errs.KindHardRejection {
		m.config.Logger.Printf("Push setup rejected, staying on polling: %v", err)
		return m.disableLocked()
	}
	m.setupAttempts++
	if m.setupAttempts > m.config.MaxSetupAttempts {
		m.config.Logger.Printf("Push setup failed %d times, staying on polling: %v", m.setupAttempts, err)
		return m.disableLocked()
	}
	delay := Backoff(m.setupAttempts, m.config.BaseDelay, m.config.MaxDelay)
	m.config.Logger.Printf("Push setup failed (attempt %d), retrying in %v: %v", m.setupAttempts, delay, err)
	m.stopTimerLocked(&m.reconnect)
	m.reconnect = time.AfterFunc(delay, func() { m.beginPush(gen) })
	return func() {}
}

func (m *Manager) connect(gen uint64) {
	m.mu.Lock()
	if !m.canPushLocked(gen) {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	sub, err := m.channel.Subscribe(ctx)

	m.mu.Lock()
	if !m.canPushLocked(gen) {
		m.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return
	}
	if err != nil {
		notify := m.channelFailedLocked(gen, errs.Channel(err))
		m.mu.Unlock()
		notify()
		return
	}

	m.stopTimerLocked(&m.reconnect)
	m.sub = sub
	m.attempts = 0
	notify := m.setStateLocked(StatePushConnected)
	m.wg.Add(1)
	go m.readLoop(gen, sub)
	m.mu.Unlock()

	notify()
}

func (m *Manager) readLoop(gen uint64, sub Subscription) {
	defer m.wg.Done()

	for ev := range sub.Events() {
		switch ev.Type {
		case EventConnected:
			m.config.Logger.Printf("Push connected as client %s", ev.ClientID)
		case EventChanged:
			go m.refreshOnce()
		case EventPing:
		default:
			m.config.Logger.Printf("Ignoring push event %q", ev.Type)
		}
	}

	m.mu.Lock()
	if m.sub != sub {
		// Closed on purpose.
		m.mu.Unlock()
		return
	}
	m.sub = nil
	err := sub.Err()
	if err == nil {
		err = errs.Channel(errors.New("push channel closed"))
	}
	notify := m.channelFailedLocked(gen, err)
	m.mu.Unlock()
	notify()
}

// channelFailedLocked handles a failed subscribe or a dropped channel:
// schedule a reconnect, or disable push when the channel is gone for good or
// the attempt budget is spent.
func (m *Manager) channelFailedLocked(gen uint64, err error) func() {
	if !m.canPushLocked(gen) {
		return func() {}
	}
	if errors.Is(err, errs.ErrChannelClosedPermanent) {
		m.config.Logger.Printf("Push channel closed permanently, staying on polling: %v", err)
		return m.disableLocked()
	}

	m.attempts++
	if m.attempts > m.config.MaxReconnectAttempts {
		m.config.Logger.Printf("Push failed %d times, staying on polling: %v", m.attempts, err)
		return m.disableLocked()
	}

	delay := Backoff(m.attempts, m.config.BaseDelay, m.config.MaxDelay)
	m.config.Logger.Printf("Push channel error (attempt %d), reconnecting in %v: %v", m.attempts, delay, err)
	m.stopTimerLocked(&m.reconnect)
	m.reconnect = time.AfterFunc(delay, func() { m.connect(gen) })
	metrics.PushReconnects.Inc()
	return m.setStateLocked(StatePushReconnecting)
}

func (m *Manager) disableLocked() func() {
	m.pushGen++
	m.stopTimerLocked(&m.reconnect)
	m.closeSubLocked()
	return m.setStateLocked(StatePushDisabled)
}

func (m *Manager) closeSubLocked() {
	if m.sub != nil {
		sub := m.sub
		m.sub = nil
		sub.Close()
	}
}

func (m *Manager) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// setStateLocked moves the machine to s and returns the callback to run once
// the lock is released.
func (m *Manager) setStateLocked(s State) func() {
	from := m.state
	if from == s {
		return func() {}
	}
	m.state = s
	metrics.TransportState.Set(float64(s))
	m.config.Logger.Printf("Transport %s -> %s", from, s)

	cb := m.config.OnStateChange
	if cb == nil {
		return func() {}
	}
	return func() { cb(from, s) }
}

// Package session drives the lifecycle of one DVR endpoint: login, periodic
// polling of the device list and stats, and teardown on disconnect.
//
// All session state is owned by a single goroutine. Transport events, poll
// ticks, request replies and caller commands are delivered to it over
// channels and handled one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/inventory"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/status"
	"github.com/trymwestin/dvrsession/internal/core/transport"
	"github.com/trymwestin/dvrsession/internal/metrics"
)

const (
	// DefaultPollInterval is the time between poll cycles while online.
	DefaultPollInterval = 60 * time.Second
	// DefaultDevicesPath is the device-list request path.
	DefaultDevicesPath = "/ajax/devices.php?XML=1"
	// DefaultStatsPath is the stats request path.
	DefaultStatsPath = "/ajax/stats.php"
)

// Options tunes the polling of a session. Zero values select the defaults.
type Options struct {
	PollInterval time.Duration
	DevicesPath  string
	StatsPath    string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DevicesPath == "" {
		o.DevicesPath = DefaultDevicesPath
	}
	if o.StatsPath == "" {
		o.StatsPath = DefaultStatsPath
	}
	return o
}

// ErrStopped is returned by Start on a session that was stopped.
var ErrStopped = errors.New("session: stopped")

type requestKind string

const (
	requestDevices requestKind = metrics.RequestDevices
	requestStats   requestKind = metrics.RequestStats
)

// token correlates a reply with the request that caused it. Replies whose
// generation is older than the session's are stale.
type token struct {
	id         uuid.UUID
	kind       requestKind
	generation uint64
}

type reply struct {
	token
	transport.Reply
}

// Snapshot is a read-only view of a session for observers.
type Snapshot struct {
	endpoint.Info
	State              state.SessionState `json:"state"`
	StatusAlertMessage string             `json:"status_alert_message"`
	DevicesLoaded      bool               `json:"devices_loaded"`
	Cameras            int                `json:"cameras"`
}

// Session is the lifecycle controller of one endpoint.
type Session struct {
	ep      *endpoint.Endpoint
	tr      transport.Transport
	inv     *inventory.Inventory
	mon     *status.Monitor
	pub     state.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	inbox   chan func(ctx context.Context)
	replies chan reply
	quit    chan struct{}
	quitMu  sync.Once
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool

	// owned by runLoop
	generation uint64
	ticker     *time.Ticker
	tick       <-chan time.Time

	mu    sync.RWMutex
	state state.SessionState
}

// New creates a session for ep. If the endpoint is set to connect
// automatically, a login is queued and runs as soon as Start is called.
func New(ep *endpoint.Endpoint, tr transport.Transport, pub state.Publisher, m *metrics.Metrics, log *slog.Logger, opts Options) *Session {
	s := &Session{
		ep:      ep,
		tr:      tr,
		inv:     inventory.New(ep.ID(), pub, m, log),
		mon:     status.NewMonitor(ep.ID(), pub, m, log),
		pub:     pub,
		metrics: m,
		log:     log.With("server_id", ep.ID()),
		opts:    opts.withDefaults(),
		inbox:   make(chan func(ctx context.Context), 16),
		replies: make(chan reply, 8),
		quit:    make(chan struct{}),
		state:   state.Disconnected,
	}
	if ep.CanAutoConnect() {
		s.log.Info("auto connect queued")
		s.inbox <- s.login
	}
	return s
}

// Start runs the session loop until ctx is cancelled or Stop is called.
// A stopped session cannot be started again.
func (s *Session) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("session: already running")
	}
	select {
	case <-s.quit:
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.running.Store(true)

	go s.runLoop(ctx)
	return nil
}

// Stop logs out, clears the camera set and waits for the loop to exit.
func (s *Session) Stop(_ context.Context) error {
	if !s.running.Load() {
		return nil
	}
	s.cancel()
	<-s.stopped
	s.running.Store(false)
	s.quitMu.Do(func() { close(s.quit) })
	s.tr.Close()
	return nil
}

// Login starts authentication with the stored credentials.
func (s *Session) Login() { s.do(s.login) }

// Logout ends the session with the server.
func (s *Session) Logout() {
	s.do(func(context.Context) { s.tr.Logout() })
}

// ToggleOnline logs out when online and logs in otherwise.
func (s *Session) ToggleOnline() {
	s.do(func(ctx context.Context) {
		if s.tr.IsOnline() {
			s.tr.Logout()
			return
		}
		s.login(ctx)
	})
}

// do queues fn for the session loop.
func (s *Session) do(fn func(ctx context.Context)) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

// ID returns the configuration id of the endpoint.
func (s *Session) ID() int { return s.ep.ID() }

// Endpoint returns the settings model of the session.
func (s *Session) Endpoint() *endpoint.Endpoint { return s.ep }

// IsOnline reports whether the transport holds an authenticated session.
func (s *Session) IsOnline() bool { return s.tr.IsOnline() }

func (s *Session) State() state.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Cameras() []camera.Camera { return s.inv.Cameras() }

func (s *Session) Camera(id int) (camera.Camera, bool) { return s.inv.Camera(id) }

// DevicesLoaded reports whether a device list has been applied since the
// last disconnect.
func (s *Session) DevicesLoaded() bool { return s.inv.Loaded() }

func (s *Session) StatusAlertMessage() string { return s.mon.Message() }

// StreamURL returns the live stream address of a camera of this endpoint.
func (s *Session) StreamURL(c camera.Camera) string {
	return c.StreamURL(s.ep.Hostname(), s.ep.StreamPort())
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Info:               s.ep.Info(),
		State:              s.State(),
		StatusAlertMessage: s.mon.Message(),
		DevicesLoaded:      s.inv.Loaded(),
		Cameras:            len(s.inv.Cameras()),
	}
}

func (s *Session) runLoop(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			s.tr.Logout()
			s.disconnected()
			s.log.Info("session stopped")
			return

		case fn := <-s.inbox:
			fn(ctx)

		case evt := <-s.tr.Events():
			s.handleTransportEvent(ctx, evt)

		case <-s.tick:
			s.poll(ctx)

		case r := <-s.replies:
			s.handleReply(r)
		}
	}
}

func (s *Session) login(ctx context.Context) {
	s.log.Info("logging in", "hostname", s.ep.Hostname(), "port", s.ep.ServerPort())
	s.tr.Login(ctx, s.ep.Username(), s.ep.Password())
}

func (s *Session) handleTransportEvent(ctx context.Context, evt transport.Event) {
	switch evt.Kind {
	case transport.LoginSucceeded:
		s.setState(state.Online)
		s.metrics.SetOnline(s.ep.ID(), true)
		s.log.Info("session online")
		s.pub.Publish(state.Event{Type: state.EventOnline, ServerID: s.ep.ID()})
		s.poll(ctx)

	case transport.LoginFailed:
		s.log.Warn("login failed", "error", evt.Err)
		s.pub.Publish(state.Event{Type: state.EventLoginFailed, ServerID: s.ep.ID(), Data: errorText(evt.Err)})

	case transport.Disconnected:
		s.disconnected()
	}
}

func errorText(err error) string {
	if err == nil {
		return "login failed"
	}
	return err.Error()
}

// disconnected tears down everything derived from the server: pending
// replies become stale, polling stops, cameras and the alert are cleared.
func (s *Session) disconnected() {
	s.generation++
	s.stopTicker()

	s.inv.Clear()
	s.mon.Reset()

	wasOnline := s.State() == state.Online
	s.setState(state.Disconnected)
	s.metrics.SetOnline(s.ep.ID(), false)
	if wasOnline {
		s.log.Info("session offline")
		s.pub.Publish(state.Event{Type: state.EventOffline, ServerID: s.ep.ID()})
	}
}

// poll sends one device-list and one stats request. The ticker is started on
// the first poll and stopped by the first tick that finds the session offline.
func (s *Session) poll(ctx context.Context) {
	if !s.tr.IsOnline() {
		s.stopTicker()
		return
	}
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.opts.PollInterval)
		s.tick = s.ticker.C
	}

	s.metrics.Poll(s.ep.ID())
	s.send(ctx, requestDevices, s.opts.DevicesPath)
	s.send(ctx, requestStats, s.opts.StatsPath)
}

func (s *Session) stopTicker() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker, s.tick = nil, nil
}

func (s *Session) send(ctx context.Context, kind requestKind, path string) {
	tok := token{id: uuid.New(), kind: kind, generation: s.generation}
	s.log.Debug("sending request", "request_id", tok.id, "kind", kind, "path", path)

	ch := s.tr.Send(ctx, path)
	go func() {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.replies <- reply{token: tok, Reply: r}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleReply(r reply) {
	if r.generation != s.generation {
		s.metrics.Failure(s.ep.ID(), string(r.kind), metrics.FailureStale)
		s.log.Debug("dropping stale reply", "request_id", r.id, "kind", r.kind,
			"generation", r.generation, "current", s.generation)
		return
	}

	switch r.kind {
	case requestDevices:
		s.inv.HandleReply(r.Body, r.Err)
	case requestStats:
		s.mon.HandleReply(r.Body, r.Err)
	}
}

func (s *Session) setState(st state.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

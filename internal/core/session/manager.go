package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/transport"
	"github.com/trymwestin/dvrsession/internal/core/trust"
	"github.com/trymwestin/dvrsession/internal/metrics"
	"github.com/trymwestin/dvrsession/internal/settings"
)

// ErrUnknownServer is returned for ids without a configured endpoint.
var ErrUnknownServer = errors.New("session: unknown server")

// TransportFactory builds the transport of an endpoint. tlsConf enforces the
// endpoint's pinned certificate.
type TransportFactory func(ep *endpoint.Endpoint, tlsConf *tls.Config, log *slog.Logger) (transport.Transport, error)

// HTTPTransportFactory returns a factory for HTTPS transports with the given
// request timeout.
func HTTPTransportFactory(timeout time.Duration) TransportFactory {
	return func(ep *endpoint.Endpoint, tlsConf *tls.Config, log *slog.Logger) (transport.Transport, error) {
		var opts []transport.Option
		if timeout > 0 {
			opts = append(opts, transport.WithTimeout(timeout))
		}
		return transport.NewHTTPTransport(ep, tlsConf, log.With("server_id", ep.ID()), opts...)
	}
}

// ServerConfig describes an endpoint to add.
type ServerConfig struct {
	DisplayName string `json:"display_name" yaml:"display_name"`
	Hostname    string `json:"hostname" yaml:"hostname"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	AutoConnect *bool  `json:"auto_connect,omitempty" yaml:"auto_connect"`
}

type managed struct {
	session *Session
	trust   *trust.Store
}

// Manager owns the sessions of every endpoint in the Configuration Store.
type Manager struct {
	store        settings.Store
	pub          state.Publisher
	metrics      *metrics.Metrics
	log          *slog.Logger
	opts         Options
	newTransport TransportFactory

	mu       sync.RWMutex
	ctx      context.Context
	sessions map[int]*managed
}

// NewManager creates a manager. Sessions are created by Start.
func NewManager(store settings.Store, pub state.Publisher, m *metrics.Metrics, log *slog.Logger, opts Options, factory TransportFactory) *Manager {
	return &Manager{
		store:        store,
		pub:          pub,
		metrics:      m,
		log:          log,
		opts:         opts,
		newTransport: factory,
		sessions:     make(map[int]*managed),
	}
}

// Start creates and starts a session for every stored endpoint.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return fmt.Errorf("session: manager already started")
	}
	m.ctx = ctx

	for _, id := range m.store.IDs() {
		if _, err := m.startLocked(endpoint.Load(id, m.store, m.pub, m.log)); err != nil {
			m.log.Error("failed to start session", "server_id", id, "error", err)
		}
	}
	m.log.Info("sessions started", "count", len(m.sessions))
	return nil
}

func (m *Manager) startLocked(ep *endpoint.Endpoint) (*Session, error) {
	ts := trust.New(ep.ID(), ep, m.log)
	tr, err := m.newTransport(ep, ts.TLSConfig(), m.log)
	if err != nil {
		return nil, fmt.Errorf("session: transport for server %d: %w", ep.ID(), err)
	}
	s := New(ep, tr, m.pub, m.metrics, m.log, m.opts)
	if err := s.Start(m.ctx); err != nil {
		return nil, err
	}
	m.sessions[ep.ID()] = &managed{session: s, trust: ts}
	return s, nil
}

// Stop stops every session.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		sessions = append(sessions, ms.session)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Stop(ctx)
		}(s)
	}
	wg.Wait()
}

// Sessions returns every session ordered by endpoint id.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) Session(id int) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}
	return ms.session, nil
}

// Trust returns the certificate trust store of an endpoint.
func (m *Manager) Trust(id int) (*trust.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}
	return ms.trust, nil
}

// Add persists a new endpoint under the next free id and starts its session.
func (m *Manager) Add(cfg ServerConfig) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, fmt.Errorf("session: manager not started")
	}

	ep := endpoint.Load(settings.NextID(m.store), m.store, m.pub, m.log)
	Configure(ep, cfg)

	s, err := m.startLocked(ep)
	if err != nil {
		return nil, err
	}
	m.log.Info("added DVR server", "server_id", ep.ID(), "hostname", ep.Hostname())
	return s, nil
}

// Configure writes cfg into ep.
func Configure(ep *endpoint.Endpoint, cfg ServerConfig) {
	ep.SetHostname(cfg.Hostname)
	ep.SetPort(cfg.Port)
	ep.SetUsername(cfg.Username)
	ep.SetPassword(cfg.Password)
	if cfg.AutoConnect != nil {
		ep.SetAutoConnect(*cfg.AutoConnect)
	}
	name := cfg.DisplayName
	if name == "" {
		name = cfg.Hostname
	}
	ep.SetDisplayName(name)
}

// Remove logs out of an endpoint, stops its session and erases its settings.
func (m *Manager) Remove(ctx context.Context, id int) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownServer, id)
	}

	if err := ms.session.Stop(ctx); err != nil {
		return err
	}
	ms.session.Endpoint().Remove()
	m.metrics.Forget(id)
	return nil
}

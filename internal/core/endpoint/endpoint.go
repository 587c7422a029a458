// Package endpoint models one configured DVR server: its connection settings
// as persisted in the Configuration Store.
package endpoint

import (
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"

	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/settings"
)

// DefaultPort is the server port used when none is configured.
const DefaultPort = 7001

// NormalizePort maps an unset port to DefaultPort.
func NormalizePort(port int) int {
	if port <= 0 {
		return DefaultPort
	}
	return port
}

// Info is a read-only snapshot of the endpoint settings. The password is
// deliberately absent.
type Info struct {
	ID           int    `json:"id"`
	DisplayName  string `json:"display_name"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	StreamPort   int    `json:"stream_port"`
	Username     string `json:"username"`
	AutoConnect  bool   `json:"auto_connect"`
	PinnedDigest string `json:"pinned_digest,omitempty"`
}

// Endpoint holds the settings of one DVR server. Every setter persists the
// value and then publishes state.EventChanged.
type Endpoint struct {
	id    int
	store settings.Store
	pub   state.Publisher
	log   *slog.Logger

	mu          sync.RWMutex
	displayName string
	hostname    string
	port        int
	username    string
	password    string
	autoConnect bool
}

// Load reads the endpoint with configuration id from store.
func Load(id int, store settings.Store, pub state.Publisher, log *slog.Logger) *Endpoint {
	port, _ := strconv.Atoi(store.Read(id, settings.KeyPort, ""))
	return &Endpoint{
		id:          id,
		store:       store,
		pub:         pub,
		log:         log,
		displayName: store.Read(id, settings.KeyDisplayName, ""),
		hostname:    store.Read(id, settings.KeyHostname, ""),
		port:        NormalizePort(port),
		username:    store.Read(id, settings.KeyUsername, ""),
		password:    store.Read(id, settings.KeyPassword, ""),
		autoConnect: settings.Bool(store.Read(id, settings.KeyAutoConnect, "true"), true),
	}
}

// ID returns the stable configuration id.
func (e *Endpoint) ID() int { return e.id }

func (e *Endpoint) DisplayName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.displayName
}

func (e *Endpoint) Hostname() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hostname
}

// ServerPort returns the HTTPS API port.
func (e *Endpoint) ServerPort() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.port
}

// StreamPort returns the companion RTSP port, always ServerPort()+1.
func (e *Endpoint) StreamPort() int {
	return e.ServerPort() + 1
}

func (e *Endpoint) Username() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.username
}

func (e *Endpoint) Password() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.password
}

func (e *Endpoint) AutoConnect() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoConnect
}

// CanAutoConnect reports whether a login should be attempted on startup.
func (e *Endpoint) CanAutoConnect() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoConnect && e.hostname != "" && e.username != ""
}

// Info returns a snapshot of the settings.
func (e *Endpoint) Info() Info {
	e.mu.RLock()
	info := Info{
		ID:          e.id,
		DisplayName: e.displayName,
		Hostname:    e.hostname,
		Port:        e.port,
		StreamPort:  e.port + 1,
		Username:    e.username,
		AutoConnect: e.autoConnect,
	}
	e.mu.RUnlock()
	info.PinnedDigest = hex.EncodeToString(e.PinnedDigest())
	return info
}

// SetDisplayName is a no-op when the name is unchanged.
func (e *Endpoint) SetDisplayName(name string) {
	e.mu.Lock()
	if e.displayName == name {
		e.mu.Unlock()
		return
	}
	e.displayName = name
	e.mu.Unlock()
	e.writeSetting(settings.KeyDisplayName, name)
	e.changed()
}

func (e *Endpoint) SetHostname(hostname string) {
	e.writeSetting(settings.KeyHostname, hostname)
	e.mu.Lock()
	e.hostname = hostname
	e.mu.Unlock()
	e.changed()
}

// SetPort stores the normalized port; 0 selects DefaultPort.
func (e *Endpoint) SetPort(port int) {
	port = NormalizePort(port)
	e.writeSetting(settings.KeyPort, strconv.Itoa(port))
	e.mu.Lock()
	e.port = port
	e.mu.Unlock()
	e.changed()
}

func (e *Endpoint) SetUsername(username string) {
	e.writeSetting(settings.KeyUsername, username)
	e.mu.Lock()
	e.username = username
	e.mu.Unlock()
	e.changed()
}

func (e *Endpoint) SetPassword(password string) {
	e.writeSetting(settings.KeyPassword, password)
	e.mu.Lock()
	e.password = password
	e.mu.Unlock()
	e.changed()
}

func (e *Endpoint) SetAutoConnect(autoConnect bool) {
	e.writeSetting(settings.KeyAutoConnect, strconv.FormatBool(autoConnect))
	e.mu.Lock()
	e.autoConnect = autoConnect
	e.mu.Unlock()
	e.changed()
}

// PinnedDigest returns the trusted certificate digest, nil when none is pinned.
func (e *Endpoint) PinnedDigest() []byte {
	raw := e.store.Read(e.id, settings.KeySSLDigest, "")
	if raw == "" {
		return nil
	}
	digest, err := hex.DecodeString(raw)
	if err != nil {
		e.log.Warn("ignoring unreadable pinned digest", "server_id", e.id, "error", err)
		return nil
	}
	return digest
}

// SetPinnedDigest replaces the trusted certificate digest. nil clears it.
func (e *Endpoint) SetPinnedDigest(digest []byte) {
	e.writeSetting(settings.KeySSLDigest, hex.EncodeToString(digest))
	e.changed()
}

// Remove erases the persisted settings and announces the removal.
func (e *Endpoint) Remove() {
	e.log.Info("deleting DVR server", "server_id", e.id)
	e.pub.Publish(state.Event{Type: state.EventServerRemoved, ServerID: e.id})
	if err := e.store.Remove(e.id); err != nil {
		e.log.Warn("failed to erase server settings", "server_id", e.id, "error", err)
	}
}

// writeSetting persists one value. Store failures are logged and otherwise
// ignored; the in-memory value still applies.
func (e *Endpoint) writeSetting(key, value string) {
	if err := e.store.Write(e.id, key, value); err != nil {
		e.log.Warn("failed to persist setting", "server_id", e.id, "key", key, "error", err)
	}
}

func (e *Endpoint) changed() {
	e.pub.Publish(state.Event{Type: state.EventChanged, ServerID: e.id})
}

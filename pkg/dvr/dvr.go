// Package dvr provides a public facade re-exporting core types
// for external consumers of this module.
package dvr

import (
	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/transport"
	"github.com/trymwestin/dvrsession/internal/core/trust"
	"github.com/trymwestin/dvrsession/internal/core/wire"
)

// Re-export core types for external use.
type (
	// Camera is one device reported by a DVR server.
	Camera = camera.Camera
	// Endpoint holds the persisted settings of one DVR server.
	Endpoint = endpoint.Endpoint
	// EndpointInfo is a read-only snapshot of endpoint settings.
	EndpointInfo = endpoint.Info
	// Session drives login and polling of one DVR server.
	Session = session.Session
	// SessionOptions tunes session polling.
	SessionOptions = session.Options
	// Snapshot is a read-only view of a session.
	Snapshot = session.Snapshot
	// Manager owns the sessions of every configured server.
	Manager = session.Manager
	// ServerConfig describes a server to add.
	ServerConfig = session.ServerConfig
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// EventBus fans events out to subscribers.
	EventBus = state.EventBus
	// Transport is the request channel of one server.
	Transport = transport.Transport
	// TrustStore pins server certificates on first use.
	TrustStore = trust.Store
	// EntryError describes a rejected device-list entry.
	EntryError = wire.EntryError
)

// Event type constants.
const (
	EventChanged                   = state.EventChanged
	EventServerRemoved             = state.EventServerRemoved
	EventCameraAdded               = state.EventCameraAdded
	EventCameraRemoved             = state.EventCameraRemoved
	EventCameraUpdated             = state.EventCameraUpdated
	EventDevicesReady              = state.EventDevicesReady
	EventStatusAlertMessageChanged = state.EventStatusAlertMessageChanged
	EventOnline                    = state.EventOnline
	EventOffline                   = state.EventOffline
	EventLoginFailed               = state.EventLoginFailed
)

// Errors callers can match with errors.Is.
var (
	ErrMalformedDocument = wire.ErrMalformedDocument
	ErrMalformedEntry    = wire.ErrMalformedEntry
	ErrTrustMismatch     = trust.ErrTrustMismatch
	ErrNotOnline         = transport.ErrNotOnline
	ErrUnknownServer     = session.ErrUnknownServer
	ErrSessionStopped    = session.ErrStopped
)

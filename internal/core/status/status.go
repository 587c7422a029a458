// Package status derives the single alert message of an endpoint from its
// stats replies.
package status

import (
	"log/slog"
	"sync"

	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/wire"
	"github.com/trymwestin/dvrsession/internal/metrics"
)

const (
	serverStopped   = "Server process stopped"
	invalidResponse = "invalid server response"
)

// RequestError formats a stats request failure as an alert message.
func RequestError(reason string) string {
	return "Status request error: " + reason
}

// Derive computes the alert message for a stats reply. It is pure; values is
// the numeric side data of the document, nil when it could not be decoded.
func Derive(body []byte, replyErr error) (message string, values map[string]string) {
	if replyErr != nil {
		return RequestError(replyErr.Error()), nil
	}

	st, err := wire.ParseStats(body)
	if err != nil {
		return RequestError(invalidResponse), nil
	}
	// A reply without any message element is invalid even when it reports
	// the server process as down.
	switch {
	case !st.HasMessage:
		message = RequestError(invalidResponse)
	case st.ServerDown:
		message = serverStopped
	default:
		message = st.Message
	}
	return message, st.Values
}

// Monitor holds the current alert message of one endpoint.
type Monitor struct {
	serverID int
	pub      state.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.RWMutex
	message string
}

// NewMonitor creates a monitor with no alert.
func NewMonitor(serverID int, pub state.Publisher, m *metrics.Metrics, log *slog.Logger) *Monitor {
	return &Monitor{serverID: serverID, pub: pub, metrics: m, log: log}
}

// HandleReply derives the alert from a stats reply and stores it. It reports
// whether the message changed.
func (m *Monitor) HandleReply(body []byte, replyErr error) bool {
	msg, values := Derive(body, replyErr)
	switch {
	case replyErr != nil:
		m.metrics.Failure(m.serverID, metrics.RequestStats, metrics.FailureTransport)
		m.log.Warn("status request failed", "server_id", m.serverID, "error", replyErr)
	case values == nil:
		m.metrics.Failure(m.serverID, metrics.RequestStats, metrics.FailureDocument)
		m.log.Warn("invalid stats document", "server_id", m.serverID)
	default:
		m.metrics.SetServerStats(m.serverID, values)
	}
	return m.Set(msg)
}

// Set replaces the alert message, notifying observers only on change.
func (m *Monitor) Set(msg string) bool {
	m.mu.Lock()
	if msg == m.message {
		m.mu.Unlock()
		return false
	}
	m.message = msg
	m.mu.Unlock()

	m.pub.Publish(state.Event{Type: state.EventStatusAlertMessageChanged, ServerID: m.serverID, Data: msg})
	return true
}

// Reset clears the alert.
func (m *Monitor) Reset() bool {
	return m.Set("")
}

// Message returns the current alert, empty when there is none.
func (m *Monitor) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message
}

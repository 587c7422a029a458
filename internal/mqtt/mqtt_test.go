package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/transport"
	"github.com/trymwestin/dvrsession/internal/settings"
)

// --- paho fakes ---

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	payload  string
	retained bool
}

type fakeClient struct {
	mu   sync.Mutex
	msgs map[string]published
	subs map[string]pahomqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{msgs: map[string]published{}, subs: map[string]pahomqtt.MessageHandler{}}
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() pahomqtt.Token { return doneToken{} }
func (c *fakeClient) Disconnect(uint)         {}
func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[topic] = published{payload: payload.(string), retained: retained}
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return doneToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) pahomqtt.Token           { return doneToken{} }
func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler)       {}
func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader    { return pahomqtt.ClientOptionsReader{} }

func (c *fakeClient) get(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.msgs[topic]
	return m, ok
}

type message struct {
	topic   string
	payload string
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return []byte(m.payload) }
func (m message) Ack()              {}

// --- session fakes ---

type stubTransport struct {
	mu     sync.Mutex
	online bool
	logins int
	events chan transport.Event
}

func (t *stubTransport) Login(context.Context, string, string) {
	t.mu.Lock()
	t.logins++
	t.online = true
	t.mu.Unlock()
	t.events <- transport.Event{Kind: transport.LoginSucceeded}
}

func (t *stubTransport) Logout() {
	t.mu.Lock()
	was := t.online
	t.online = false
	t.mu.Unlock()
	if was {
		t.events <- transport.Event{Kind: transport.Disconnected}
	}
}

func (t *stubTransport) IsOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *stubTransport) Send(context.Context, string) <-chan transport.Reply {
	return make(chan transport.Reply) // never answers
}

func (t *stubTransport) Events() <-chan transport.Event { return t.events }
func (t *stubTransport) Close()                         {}

type directory struct{ sessions map[int]*session.Session }

func (d directory) Sessions() []*session.Session {
	out := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

func (d directory) Session(id int) (*session.Session, error) {
	s, ok := d.sessions[id]
	if !ok {
		return nil, session.ErrUnknownServer
	}
	return s, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newPublisher(t *testing.T) (*HAPublisher, *fakeClient, *stubTransport) {
	t.Helper()
	bus := state.NewEventBus(discard())
	ep := endpoint.Load(3, settings.NewMemoryStore(), bus, discard())
	ep.SetDisplayName("Lobby")

	tr := &stubTransport{events: make(chan transport.Event, 8)}
	s := session.New(ep, tr, bus, nil, discard(), session.Options{PollInterval: time.Hour})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	p := NewHAPublisher(MQTTConfig{TopicPrefix: "dvr"}, directory{map[int]*session.Session{3: s}}, bus, discard())
	fc := newFakeClient()
	p.client = fc
	return p, fc, tr
}

func TestServerFromTopic(t *testing.T) {
	p := NewHAPublisher(MQTTConfig{TopicPrefix: "home/dvr"}, directory{}, nil, discard())
	tests := []struct {
		topic string
		id    int
		ok    bool
	}{
		{"home/dvr/3/connection/set", 3, true},
		{"home/dvr/x/connection/set", 0, false},
		{"home/dvr/0/connection/set", 0, false},
		{"other/3/connection/set", 0, false},
		{"home/dvr/3/status_alert/set", 0, false},
	}
	for _, tt := range tests {
		id, ok := p.serverFromTopic(tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Errorf("serverFromTopic(%q) = %d, %v", tt.topic, id, ok)
		}
	}
}

func TestOnConnectPublishesDiscovery(t *testing.T) {
	p, fc, _ := newPublisher(t)
	p.onConnect()

	if m, _ := fc.get("dvr/status"); m.payload != "online" || !m.retained {
		t.Errorf("availability = %+v", m)
	}
	m, ok := fc.get("homeassistant/switch/dvr_3_connection/config")
	if !ok {
		t.Fatal("connection discovery not published")
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(m.payload), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["command_topic"] != "dvr/3/connection/set" || cfg["state_topic"] != "dvr/3/connection/state" {
		t.Errorf("discovery = %v", cfg)
	}
	if dev := cfg["device"].(map[string]interface{}); dev["name"] != "Lobby" {
		t.Errorf("device = %v", dev)
	}
	if m, _ := fc.get("dvr/3/connection/state"); m.payload != "OFF" {
		t.Errorf("connection state = %q", m.payload)
	}
	if _, ok := fc.subs["dvr/+/connection/set"]; !ok {
		t.Error("command topic not subscribed")
	}
}

func TestConnectionCommand(t *testing.T) {
	p, _, tr := newPublisher(t)

	p.handleConnectionCmd(nil, message{topic: "dvr/3/connection/set", payload: "ON"})
	waitFor(t, func() bool { return tr.IsOnline() })

	p.handleConnectionCmd(nil, message{topic: "dvr/3/connection/set", payload: "off"})
	waitFor(t, func() bool { return !tr.IsOnline() })

	p.handleConnectionCmd(nil, message{topic: "dvr/9/connection/set", payload: "ON"})
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.logins != 1 {
		t.Errorf("logins = %d, want 1", tr.logins)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleEvents(t *testing.T) {
	p, fc, _ := newPublisher(t)
	cam := camera.Camera{ID: 7, ServerID: 3, Name: "Gate", Online: true}

	p.handleEvent(state.Event{Type: state.EventOnline, ServerID: 3})
	p.handleEvent(state.Event{Type: state.EventStatusAlertMessageChanged, ServerID: 3, Data: "Disk full"})
	p.handleEvent(state.Event{Type: state.EventCameraAdded, ServerID: 3, Data: cam})

	if m, _ := fc.get("dvr/3/connection/state"); m.payload != "ON" {
		t.Errorf("connection = %q", m.payload)
	}
	if m, _ := fc.get("dvr/3/status_alert/state"); m.payload != "Disk full" {
		t.Errorf("alert = %q", m.payload)
	}
	if m, _ := fc.get("dvr/3/camera_7/state"); m.payload != "ON" {
		t.Errorf("camera state = %q", m.payload)
	}
	disc, ok := fc.get("homeassistant/binary_sensor/dvr_3_camera_7/config")
	if !ok || disc.payload == "" {
		t.Fatal("camera discovery missing")
	}

	cam.Online = false
	p.handleEvent(state.Event{Type: state.EventCameraRemoved, ServerID: 3, Data: cam})
	if m, _ := fc.get("homeassistant/binary_sensor/dvr_3_camera_7/config"); m.payload != "" {
		t.Error("camera discovery not cleared")
	}
	if m, _ := fc.get("dvr/3/camera_7/state"); m.payload != "OFF" {
		t.Errorf("camera state = %q", m.payload)
	}
}

func TestServerRemovedClearsRetained(t *testing.T) {
	p, fc, _ := newPublisher(t)
	p.onConnect()
	p.handleEvent(state.Event{Type: state.EventCameraAdded, ServerID: 3, Data: camera.Camera{ID: 1, ServerID: 3, Online: true}})

	p.handleEvent(state.Event{Type: state.EventServerRemoved, ServerID: 3})
	for _, topic := range []string{
		"homeassistant/switch/dvr_3_connection/config",
		"homeassistant/sensor/dvr_3_status_alert/config",
		"homeassistant/binary_sensor/dvr_3_camera_1/config",
	} {
		if m, _ := fc.get(topic); m.payload != "" {
			t.Errorf("%s still retained: %q", topic, m.payload)
		}
	}
}

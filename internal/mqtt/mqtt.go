// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for every DVR server and camera, relays connection
// commands to the sessions, and forwards state updates from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Directory gives the publisher access to the running sessions.
type Directory interface {
	Sessions() []*session.Session
	Session(id int) (*session.Session, error)
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// connection command topics, and forwards session state from the EventBus.
type HAPublisher struct {
	cfg MQTTConfig
	dir Directory
	bus *state.EventBus
	log *slog.Logger

	client pahomqtt.Client

	mu      sync.Mutex
	cameras map[camera.Key]bool // cameras with a published discovery config

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, dir Directory, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "dvr"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "dvrsession"
	}
	return &HAPublisher{
		cfg:     cfg,
		dir:     dir,
		bus:     bus,
		log:     log,
		cameras: make(map[camera.Key]bool),
		stopC:   make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery and the state snapshot are published from the connect handler.
func (p *HAPublisher) Start(_ context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.run()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// run subscribes to the EventBus and starts the event loop.
func (p *HAPublisher) run() {
	evtCh, unsub := p.bus.Subscribe(256)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop gracefully disconnects from the MQTT broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.availabilityTopic(), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.availabilityTopic(), "online", true)

	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishAll()
		}
	})

	p.publishAll()
}

// publishAll publishes discovery and state for every session.
func (p *HAPublisher) publishAll() {
	for _, s := range p.dir.Sessions() {
		p.publishServer(s)
	}
}

func (p *HAPublisher) publishServer(s *session.Session) {
	snap := s.Snapshot()
	p.publishServerDiscovery(snap)
	p.publish(p.topic(snap.ID, "connection/state"), boolToOnOff(snap.State == state.Online), true)
	p.publish(p.topic(snap.ID, "status_alert/state"), snap.StatusAlertMessage, true)
	for _, c := range s.Cameras() {
		p.publishCamera(snap.DisplayName, c)
	}
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func (p *HAPublisher) deviceID(serverID int) string {
	return fmt.Sprintf("%s_%d", p.cfg.TopicPrefix, serverID)
}

// deviceInfo returns the HA device block shared by a server's entities.
func (p *HAPublisher) deviceInfo(serverID int, displayName string) map[string]interface{} {
	name := displayName
	if name == "" {
		name = fmt.Sprintf("DVR %d", serverID)
	}
	return map[string]interface{}{
		"identifiers":  []string{p.deviceID(serverID)},
		"name":         name,
		"manufacturer": "Bluecherry",
		"model":        "DVR Server",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishServerDiscovery(snap session.Snapshot) {
	dev := p.deviceInfo(snap.ID, snap.DisplayName)
	avail := map[string]interface{}{"topic": p.availabilityTopic()}
	id := p.deviceID(snap.ID)

	p.publishDiscoveryConfig("switch", id, "connection", map[string]interface{}{
		"name":          "Connection",
		"unique_id":     id + "_connection",
		"state_topic":   p.topic(snap.ID, "connection/state"),
		"command_topic": p.topic(snap.ID, "connection/set"),
		"device_class":  "switch",
		"payload_on":    "ON",
		"payload_off":   "OFF",
		"device":        dev,
		"availability":  avail,
	})

	p.publishDiscoveryConfig("sensor", id, "status_alert", map[string]interface{}{
		"name":         "Status Alert",
		"unique_id":    id + "_status_alert",
		"state_topic":  p.topic(snap.ID, "status_alert/state"),
		"icon":         "mdi:alert",
		"device":       dev,
		"availability": avail,
	})
}

func (p *HAPublisher) cameraObjectID(c camera.Camera) string {
	return fmt.Sprintf("camera_%d", c.ID)
}

func (p *HAPublisher) publishCamera(serverName string, c camera.Camera) {
	id := p.deviceID(c.ServerID)
	obj := p.cameraObjectID(c)
	p.publishDiscoveryConfig("binary_sensor", id, obj, map[string]interface{}{
		"name":         c.Name,
		"unique_id":    id + "_" + obj,
		"state_topic":  p.topic(c.ServerID, obj+"/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       p.deviceInfo(c.ServerID, serverName),
		"availability": map[string]interface{}{"topic": p.availabilityTopic()},
	})
	p.publish(p.topic(c.ServerID, obj+"/state"), boolToOnOff(c.Online), true)

	p.mu.Lock()
	p.cameras[c.Key()] = true
	p.mu.Unlock()
}

// removeCamera clears the retained discovery config so HA drops the entity.
func (p *HAPublisher) removeCamera(c camera.Camera) {
	p.mu.Lock()
	known := p.cameras[c.Key()]
	delete(p.cameras, c.Key())
	p.mu.Unlock()
	if !known {
		return
	}
	obj := p.cameraObjectID(c)
	p.publish(p.topic(c.ServerID, obj+"/state"), "OFF", true)
	p.publish(discoveryTopic("binary_sensor", p.deviceID(c.ServerID), obj), "", true)
}

func (p *HAPublisher) removeServer(serverID int) {
	p.mu.Lock()
	var cams []camera.Camera
	for k := range p.cameras {
		if k.ServerID == serverID {
			cams = append(cams, camera.New(k.ServerID, k.ID))
		}
	}
	p.mu.Unlock()
	for _, c := range cams {
		p.removeCamera(c)
	}

	id := p.deviceID(serverID)
	p.publish(discoveryTopic("switch", id, "connection"), "", true)
	p.publish(discoveryTopic("sensor", id, "status_alert"), "", true)
	p.publish(p.topic(serverID, "connection/state"), "", true)
	p.publish(p.topic(serverID, "status_alert/state"), "", true)
}

func (p *HAPublisher) publishDiscoveryConfig(component, deviceID, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, deviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := p.cfg.TopicPrefix + "/+/connection/set"
	token := p.client.Subscribe(t, 1, p.handleConnectionCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

func (p *HAPublisher) handleConnectionCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	serverID, ok := p.serverFromTopic(msg.Topic())
	if !ok {
		p.log.Warn("ignoring command on unexpected topic", "topic", msg.Topic())
		return
	}
	s, err := p.dir.Session(serverID)
	if err != nil {
		p.log.Warn("command for unknown server", "server_id", serverID, "error", err)
		return
	}

	on := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")
	p.log.Info("MQTT command: connection", "server_id", serverID, "on", on)
	if on {
		s.Login()
	} else {
		s.Logout()
	}
}

// serverFromTopic extracts the server id from {prefix}/{id}/connection/set.
func (p *HAPublisher) serverFromTopic(topic string) (int, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !ok {
		return 0, false
	}
	raw, ok := strings.CutSuffix(rest, "/connection/set")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventOnline:
		p.publish(p.topic(evt.ServerID, "connection/state"), "ON", true)

	case state.EventOffline:
		p.publish(p.topic(evt.ServerID, "connection/state"), "OFF", true)

	case state.EventStatusAlertMessageChanged:
		msg, ok := evt.Data.(string)
		if !ok {
			p.log.Warn("unexpected data type for status_alert_message_changed")
			return
		}
		p.publish(p.topic(evt.ServerID, "status_alert/state"), msg, true)

	case state.EventCameraAdded, state.EventCameraUpdated:
		c, ok := evt.Data.(camera.Camera)
		if !ok {
			p.log.Warn("unexpected data type for camera event", "event_type", evt.Type)
			return
		}
		p.publishCamera(p.serverName(evt.ServerID), c)

	case state.EventCameraRemoved:
		c, ok := evt.Data.(camera.Camera)
		if !ok {
			p.log.Warn("unexpected data type for camera_removed")
			return
		}
		p.removeCamera(c)

	case state.EventChanged:
		if s, err := p.dir.Session(evt.ServerID); err == nil {
			p.publishServerDiscovery(s.Snapshot())
		}

	case state.EventServerRemoved:
		p.removeServer(evt.ServerID)
	}
}

func (p *HAPublisher) serverName(serverID int) string {
	s, err := p.dir.Session(serverID)
	if err != nil {
		return ""
	}
	return s.Endpoint().DisplayName()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *HAPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// topic builds a full topic path: {prefix}/{server_id}/{suffix}.
func (p *HAPublisher) topic(serverID int, suffix string) string {
	return fmt.Sprintf("%s/%d/%s", p.cfg.TopicPrefix, serverID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

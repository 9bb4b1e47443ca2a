package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/magicstartrace/micloud-bridge/internal/buildinfo"
	"github.com/magicstartrace/micloud-bridge/internal/config"
	"github.com/magicstartrace/micloud-bridge/internal/geo"
	"github.com/magicstartrace/micloud-bridge/internal/httpkit"
	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

// CommandHandler receives device commands parsed off the command
// topic. Implementations must be safe for concurrent use.
type CommandHandler func(cmd micloud.Command) error

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, pushes device snapshots to the broker, and
// routes inbound command topic messages to the handler.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	activity   *DailyActivity
	handler    CommandHandler
	logger     *slog.Logger
	limiter    *messageRateLimiter
	cm         *autopaho.ConnectionManager

	mu    sync.Mutex
	known map[string]micloud.Snapshot // by imei, for re-discovery on reconnect
	order []string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, activity *DailyActivity, handler CommandHandler, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     BridgeDeviceInfo(instanceID, cfg.DeviceName),
		activity:   activity,
		handler:    handler,
		logger:     logger,
		limiter:    newMessageRateLimiter(60, time.Minute, logger),
		known:      make(map[string]micloud.Snapshot),
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes discovery configs and a birth
// message and re-subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	cmdTopic := p.commandTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: cmdTopic, QoS: 1}},
			}); err != nil {
				p.logger.Warn("mqtt command topic subscribe failed", "topic", cmdTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "micloud-" + p.nodeID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = httpkit.TLSConfigMinimum()
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.limiter.start(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

// nodeID is the device name flattened into a topic- and
// discovery-safe identifier.
func (p *Publisher) nodeID() string {
	return strings.ToLower(strings.ReplaceAll(p.cfg.DeviceName, " ", "_"))
}

func (p *Publisher) baseTopic() string {
	return "micloud/" + p.nodeID()
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) phoneTopic(entity, kind string) string {
	return p.baseTopic() + "/" + entity + "/" + kind
}

func (p *Publisher) bridgeStateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, object string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.nodeID() + "/" + object + "/config"
}

// --- Discovery ---

type sensorDef struct {
	component string
	object    string
	payload   any
}

// bridgeDefinitions are the diagnostic sensors of the hub device.
func (p *Publisher) bridgeDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			component: "sensor",
			object:    "version",
			payload: SensorConfig{
				Name:              "Version",
				ObjectID:          "version",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_version",
				StateTopic:        p.bridgeStateTopic("version"),
				AvailabilityTopic: avail,
				Device:            p.bridge,
				Icon:              "mdi:tag",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component: "sensor",
			object:    "updates_today",
			payload: SensorConfig{
				Name:              "Updates Today",
				ObjectID:          "updates_today",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_updates_today",
				StateTopic:        p.bridgeStateTopic("updates_today"),
				AvailabilityTopic: avail,
				Device:            p.bridge,
				Icon:              "mdi:counter",
				StateClass:        "total_increasing",
				EntityCategory:    "diagnostic",
			},
		},
		{
			component: "sensor",
			object:    "commands_today",
			payload: SensorConfig{
				Name:              "Commands Today",
				ObjectID:          "commands_today",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_commands_today",
				StateTopic:        p.bridgeStateTopic("commands_today"),
				AvailabilityTopic: avail,
				Device:            p.bridge,
				Icon:              "mdi:send",
				StateClass:        "total_increasing",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

// phoneDefinitions builds the discovery payloads for one tracked
// phone: a GPS device_tracker plus battery and status sensors.
func (p *Publisher) phoneDefinitions(snap micloud.Snapshot) []sensorDef {
	entity := snap.EntityName()
	avail := p.availabilityTopic()
	device := PhoneDeviceInfo(p.instanceID, snap)

	return []sensorDef{
		{
			component: "device_tracker",
			object:    entity,
			payload: TrackerConfig{
				Name:                "Location",
				ObjectID:            entity,
				HasEntityName:       true,
				UniqueID:            p.instanceID + "_" + snap.IMEI + "_tracker",
				AvailabilityTopic:   avail,
				JsonAttributesTopic: p.phoneTopic(entity, "attributes"),
				Device:              device,
				SourceType:          "gps",
				Icon:                "mdi:cellphone-marker",
			},
		},
		{
			component: "sensor",
			object:    entity + "_battery",
			payload: SensorConfig{
				Name:              "Battery",
				ObjectID:          entity + "_battery",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + snap.IMEI + "_battery",
				StateTopic:        p.phoneTopic(entity, "battery"),
				AvailabilityTopic: avail,
				Device:            device,
				UnitOfMeasurement: "%",
				DeviceClass:       "battery",
				StateClass:        "measurement",
			},
		},
		{
			component: "sensor",
			object:    entity + "_status",
			payload: SensorConfig{
				Name:              "Status",
				ObjectID:          entity + "_status",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + snap.IMEI + "_status",
				StateTopic:        p.phoneTopic(entity, "status"),
				AvailabilityTopic: avail,
				Device:            device,
				Icon:              "mdi:cellphone",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	defs := p.bridgeDefinitions()

	p.mu.Lock()
	for _, imei := range p.order {
		defs = append(defs, p.phoneDefinitions(p.known[imei])...)
	}
	p.mu.Unlock()

	for _, d := range defs {
		topic := p.discoveryTopic(d.component, d.object)
		payload, err := json.Marshal(d.payload)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "object", d.object, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"object", d.object, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "object", d.object, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Snapshot publishing ---

// trackerAttributes is the json_attributes payload HA reads the
// position from.
type trackerAttributes struct {
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	GPSAccuracy        *int     `json:"gps_accuracy,omitempty"`
	CoordinateType     string   `json:"coordinate_type,omitempty"`
	LocationUpdateTime string   `json:"location_update_time,omitempty"`
	IMEI               string   `json:"imei"`
	Phone              string   `json:"phone,omitempty"`
}

// PublishSnapshots pushes the latest device snapshots to the broker.
// Phones not seen before get their discovery configs published first
// so HA creates the entities before any state arrives.
func (p *Publisher) PublishSnapshots(ctx context.Context, snaps []micloud.Snapshot) {
	if p.cm == nil {
		return
	}

	p.mu.Lock()
	var fresh []micloud.Snapshot
	for _, snap := range snaps {
		if _, ok := p.known[snap.IMEI]; !ok {
			p.order = append(p.order, snap.IMEI)
			fresh = append(fresh, snap)
		}
		p.known[snap.IMEI] = snap
	}
	p.mu.Unlock()

	for _, snap := range fresh {
		p.logger.Info("announcing new tracked phone", "model", snap.Model, "imei", snap.IMEI)
		for _, d := range p.phoneDefinitions(snap) {
			topic := p.discoveryTopic(d.component, d.object)
			payload, err := json.Marshal(d.payload)
			if err != nil {
				p.logger.Error("mqtt marshal discovery payload", "object", d.object, "error", err)
				continue
			}
			if _, err := p.cm.Publish(ctx, &paho.Publish{
				Topic: topic, Payload: payload, QoS: 1, Retain: true,
			}); err != nil {
				p.logger.Warn("mqtt discovery publish failed", "object", d.object, "error", err)
			}
		}
	}

	for _, snap := range snaps {
		p.publishPhoneState(ctx, snap)
	}
	p.publishBridgeStates(ctx)
	p.activity.RecordUpdate()
}

// haPosition returns the coordinates to hand to Home Assistant. HA
// plots trackers on WGS-84 maps; a fix selected from the google-frame
// representation is GCJ-02 obfuscated and must be de-shifted first.
// Other frames pass through unchanged.
func haPosition(snap micloud.Snapshot) (lat, lon *float64) {
	if snap.Latitude == nil || snap.Longitude == nil {
		return snap.Latitude, snap.Longitude
	}
	if snap.CoordinateType != config.CoordinateGoogle {
		return snap.Latitude, snap.Longitude
	}
	wgsLon, wgsLat := geo.GCJ02ToWGS84(*snap.Longitude, *snap.Latitude)
	return &wgsLat, &wgsLon
}

func (p *Publisher) publishPhoneState(ctx context.Context, snap micloud.Snapshot) {
	entity := snap.EntityName()

	lat, lon := haPosition(snap)
	attrs := trackerAttributes{
		Latitude:           lat,
		Longitude:          lon,
		GPSAccuracy:        snap.Accuracy,
		CoordinateType:     snap.CoordinateType,
		LocationUpdateTime: snap.LocationUpdateTime,
		IMEI:               snap.IMEI,
		Phone:              snap.Phone,
	}
	if payload, err := json.Marshal(attrs); err == nil {
		p.publishState(ctx, p.phoneTopic(entity, "attributes"), string(payload))
	}

	if snap.Battery != nil {
		p.publishState(ctx, p.phoneTopic(entity, "battery"), strconv.Itoa(*snap.Battery))
	}
	status := snap.Status
	if status == "" {
		status = "unknown"
	}
	p.publishState(ctx, p.phoneTopic(entity, "status"), status)
}

func (p *Publisher) publishBridgeStates(ctx context.Context) {
	updates, commands := p.activity.Snapshot()
	states := map[string]string{
		"version":        buildinfo.Version,
		"updates_today":  strconv.FormatInt(updates, 10),
		"commands_today": strconv.FormatInt(commands, 10),
	}
	for entity, value := range states {
		p.publishState(ctx, p.bridgeStateTopic(entity), value)
	}
}

func (p *Publisher) publishState(ctx context.Context, topic, value string) {
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
	}
}

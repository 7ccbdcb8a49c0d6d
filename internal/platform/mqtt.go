package platform

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gnsshal/internal/device"
	"gnsshal/internal/eventbus"
	"gnsshal/internal/fix"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTTPublisher mirrors driver output to an MQTT broker and accepts
// start/stop commands on <prefix>/cmd.
type MQTTPublisher struct {
	sig    *device.Signals
	client mqttClient
	prefix string
	log    *slog.Logger

	mu   sync.Mutex
	subs []*eventbus.Subscription
}

func NewMQTTPublisher(sig *device.Signals, cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "gnsshal"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	return newMQTTPublisher(sig, mqtt.NewClient(opts), cfg.TopicPrefix, logger)
}

func newMQTTPublisher(sig *device.Signals, client mqttClient, prefix string, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "gnss"
	}
	return &MQTTPublisher{
		sig:    sig,
		client: client,
		prefix: prefix,
		log:    logger.With("component", "mqtt"),
	}
}

func (p *MQTTPublisher) topic(name string) string { return p.prefix + "/" + name }

// Start connects, subscribes to the command topic and begins mirroring.
func (p *MQTTPublisher) Start() error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	if token := p.client.Subscribe(p.topic("cmd"), 1, p.onCommand); token.Wait() && token.Error() != nil {
		p.client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", p.topic("cmd"), token.Error())
	}

	subs := []*eventbus.Subscription{
		p.sig.LocationUpdate.Subscribe(p.publishLocation),
		p.sig.Nmea.Subscribe(func(ev device.NmeaEvent) {
			p.publish(p.topic("nmea"), false, strings.TrimRight(ev.Message, "\r\n"))
		}),
		p.sig.Status.Subscribe(func(s device.Status) {
			p.publish(p.topic("status"), true, s.String())
		}),
		p.sig.SatelliteList.Subscribe(p.publishSatellites),
	}
	p.mu.Lock()
	p.subs = append(p.subs, subs...)
	p.mu.Unlock()

	p.log.Info("mqtt publishing", "prefix", p.prefix)
	return nil
}

func (p *MQTTPublisher) publishLocation(r fix.Record) {
	b, err := json.Marshal(r)
	if err != nil {
		p.log.Warn("location marshal failed", "error", err)
		return
	}
	p.publish(p.topic("location"), true, b)
}

func (p *MQTTPublisher) publishSatellites(sats []fix.Satellite) {
	b, err := json.Marshal(sats)
	if err != nil {
		p.log.Warn("satellites marshal failed", "error", err)
		return
	}
	p.publish(p.topic("satellites"), true, b)
}

// publish does not wait for delivery; it runs on the bus publisher's goroutine.
func (p *MQTTPublisher) publish(topic string, retained bool, payload interface{}) {
	token := p.client.Publish(topic, 0, retained, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			p.log.Debug("mqtt publish failed", "topic", topic, "error", token.Error())
		}
	}()
}

// onCommand handles start, stop, and the cold/warm restarts that drop aiding
// data.
func (p *MQTTPublisher) onCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd := strings.ToLower(strings.TrimSpace(string(msg.Payload())))
	var req *eventbus.Request[eventbus.Void, int]
	switch cmd {
	case "start":
		req = p.sig.Start
	case "stop":
		req = p.sig.Stop
	case "cold":
		p.sig.DeleteAidingData.Publish(device.AidingAll)
		p.log.Info("mqtt command", "cmd", cmd)
		return
	case "warm":
		p.sig.DeleteAidingData.Publish(device.AidingEphemeris)
		p.log.Info("mqtt command", "cmd", cmd)
		return
	default:
		p.log.Warn("unknown mqtt command", "cmd", cmd)
		return
	}
	rc, ok := req.Publish(eventbus.Void{})
	p.log.Info("mqtt command", "cmd", cmd, "result", rc, "handled", ok)
}

// Close stops mirroring and disconnects.
func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	p.client.Disconnect(250)
}

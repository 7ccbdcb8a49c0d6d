package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gnsshal/internal/config"
	"gnsshal/internal/device"
	"gnsshal/internal/eventbus"
	"gnsshal/internal/host"
	"gnsshal/internal/nmea"
	"gnsshal/internal/platform"
	"gnsshal/internal/stream"
	"gnsshal/internal/timeutil"
	"gnsshal/internal/web"
)

// source is a stream that also reports its own status.
type source interface {
	device.Stream
	Snapshot() stream.Snapshot
}

type runtime struct {
	cfg config.Config
	log *slog.Logger

	bus   *eventbus.Bus
	sig   *device.Signals
	clock *timeutil.Clock
	host  *host.Host
	ctrl  *device.Controller
	dec   *nmea.Decoder
	src   source

	udp  *platform.UDPRelay
	mqtt *platform.MQTTPublisher
	hub  *platform.LocationHub
	sats *platform.SatelliteHub
	logs *web.LogBuffer

	subs []*eventbus.Subscription
}

func newSource(b *eventbus.Bus, g config.GNSSConfig, logger *slog.Logger) (source, error) {
	switch g.Source {
	case config.SourceSerial:
		return stream.NewSerial(b, stream.SerialConfig{Device: g.Device, Baud: g.Baud}, logger), nil
	case config.SourceGPSD:
		return stream.NewGPSD(b, g.GPSDAddr, logger), nil
	case config.SourceReplay:
		return stream.NewReplay(b, stream.ReplayConfig{
			Path:     g.Replay.Path,
			Interval: g.Replay.Interval,
			Loop:     g.Replay.Loop,
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown gnss source %q", g.Source)
}

// newRuntime builds the driver graph. Nothing runs until start.
func newRuntime(cfg config.Config, logs *web.LogBuffer, logger *slog.Logger) (*runtime, error) {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &runtime{cfg: cfg, log: logger, logs: logs, bus: eventbus.NewBus()}
	r.sig = device.NewSignals(r.bus)
	r.clock = timeutil.NewClock(logger)
	r.subs = append(r.subs, r.sig.InjectTime.Subscribe(r.clock.Inject))

	r.host = host.New(r.sig, host.Config{
		WakelockName:      cfg.Host.WakelockName,
		TimeUncertaintyMS: cfg.Host.TimeUncertaintyMS,
		PowerPin:          cfg.Host.PowerGPIO,
		SysfsDir:          cfg.Host.SysfsDir,
	}, logger)
	r.ctrl = device.New(r.sig, r.host, logger)
	r.dec = nmea.NewDecoder(r.ctrl, r.clock, logger)

	src, err := newSource(r.bus, cfg.GNSS, logger)
	if err != nil {
		return nil, err
	}
	r.src = src
	r.ctrl.SetStream(src)
	r.ctrl.SetDecoder(r.dec)
	r.ctrl.ConnectStreamToDecoder()

	if cfg.UDP.Enable {
		u, err := platform.NewUDPRelay(cfg.UDP.Dest, logger)
		if err != nil {
			return nil, fmt.Errorf("udp relay: %w", err)
		}
		u.Attach(r.sig.Nmea)
		r.udp = u
	}
	if cfg.MQTT.Enable {
		r.mqtt = platform.NewMQTTPublisher(r.sig, platform.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
	}
	if cfg.Web.Enable {
		r.hub = platform.NewLocationHub(logger)
		r.hub.Attach(r.sig.LocationUpdate)
		r.sats = platform.NewSatelliteHub(logger)
		r.sats.Attach(r.sig.SatelliteList)
	}

	r.subs = append(r.subs, r.sig.Status.Subscribe(func(s device.Status) {
		r.log.Info("gnss status", "status", s.String())
	}))
	return r, nil
}

func (r *runtime) webHandler() http.Handler {
	d := web.Deps{
		Status:  web.NewStatus(r.ctrl, r.src, r.dec),
		Signals: r.sig,
		Logs:    r.logs,
	}
	if r.hub != nil {
		d.Location = r.hub
	}
	if r.sats != nil {
		d.Satellites = r.sats
	}
	return web.Handler(d)
}

// start brings up the sinks and asks the controller to start, the same way
// the platform would.
func (r *runtime) start() error {
	if r.mqtt != nil {
		// The broker being away must not keep the receiver off.
		if err := r.mqtt.Start(); err != nil {
			r.log.Warn("mqtt unavailable", "error", err)
			r.mqtt = nil
		}
	}
	if rc, ok := r.sig.Start.Publish(eventbus.Void{}); !ok || rc != 0 {
		return fmt.Errorf("gnss start failed (rc=%d)", rc)
	}
	return nil
}

// updateInterval is the platform's minimum interval from the position mode
// when one is set, otherwise the configured interval.
func (r *runtime) updateInterval() time.Duration {
	if m := r.ctrl.PositionMode().MinInterval; m > 0 {
		return m
	}
	return r.cfg.Update.Interval
}

// updateLoop publishes the current fix every update interval while running.
// The interval is re-read each round so a new position mode takes effect
// without a restart. With no interval at all it only waits for one.
func (r *runtime) updateLoop(ctx context.Context) {
	for {
		interval := r.updateInterval()
		wait := interval
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if interval > 0 && r.ctrl.State() == device.Running {
			r.ctrl.Update()
		}
	}
}

// shutdown stops the receiver and releases everything, collecting errors.
func (r *runtime) shutdown() error {
	var errs []error
	if rc, ok := r.sig.Stop.Publish(eventbus.Void{}); ok && rc != 0 {
		errs = append(errs, fmt.Errorf("gnss stop failed (rc=%d)", rc))
	}
	r.sig.Cleanup.Publish(eventbus.Void{})

	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.sats != nil {
		r.sats.Close()
	}
	if r.udp != nil {
		if err := r.udp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("udp close: %w", err))
		}
	}
	if err := r.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("host close: %w", err))
	}
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.subs = nil
	return errors.Join(errs...)
}

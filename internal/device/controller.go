// Package device sequences a positioning receiver's lifecycle and owns the
// fix state the decoder accumulates.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gnsshal/internal/eventbus"
	"gnsshal/internal/fix"
	"gnsshal/internal/timeutil"
)

// ErrPreconditionViolation is returned when an operation needs a collaborator
// that has not been set.
var ErrPreconditionViolation = errors.New("device: precondition violation")

// Stream delivers raw receiver bytes on its Bytes channel while reading.
type Stream interface {
	Bytes() *eventbus.Channel[[]byte]
	StartReading() error
	StopReading() error
}

// Decoder consumes raw receiver bytes.
type Decoder interface {
	OnBytes(p []byte)
	Start() error
	Stop() error
}

// Host is the power and time surface of the host environment.
type Host interface {
	AcquireWakelock() error
	ReleaseWakelock() error
	// RequestUTCTime asks the host to inject the current time. The answer
	// arrives on Signals.InjectTime.
	RequestUTCTime()
}

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Controller drives one receiver.
//
// Setters are expected from the stream's reader goroutine while Start/Stop
// come from the platform, so fix state is mutex-guarded. Collaborators are
// never called with that mutex held: StopReading may wait for a reader that is
// itself blocked in a setter.
type Controller struct {
	sig  *Signals
	host Host
	log  *slog.Logger

	// lifeMu serialises Start, Stop and Close.
	lifeMu sync.Mutex

	mu        sync.Mutex
	state     State
	stream    Stream
	decoder   Decoder
	wiring    *eventbus.Subscription
	fix       fix.Record
	timestamp fix.UTCTime

	mode       PositionModeRequest
	singleDone bool
	seed       *LocationInjection
	satellites []fix.Satellite

	subs []*eventbus.Subscription
}

// New creates a controller and subscribes it to the platform's start, stop and
// cleanup requests.
func New(sig *Signals, host Host, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{sig: sig, host: host, log: logger.With("component", "device")}
	c.subs = append(c.subs,
		sig.Start.Subscribe(func(eventbus.Void) int { return result(c.Start()) }),
		sig.Stop.Subscribe(func(eventbus.Void) int { return result(c.Stop()) }),
		sig.Cleanup.Subscribe(func(eventbus.Void) { _ = c.Close() }),
		sig.SetPositionMode.Subscribe(func(m PositionModeRequest) int { return result(c.SetPositionMode(m)) }),
		sig.InjectLocation.Subscribe(func(l LocationInjection) int { return result(c.InjectLocation(l)) }),
		sig.DeleteAidingData.Subscribe(c.DeleteAidingData),
	)
	return c
}

func result(err error) int {
	if err != nil {
		return -1
	}
	return 0
}

// SetStream replaces the stream. nil detaches it. Any existing stream to
// decoder wiring is dropped and must be re-established with
// ConnectStreamToDecoder.
func (c *Controller) SetStream(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		c.log.Warn("setting stream to nil")
	}
	if c.state == Running {
		c.log.Warn("stream replaced while running")
	}
	c.dropWiringLocked()
	c.stream = s
}

// SetDecoder replaces the decoder. nil detaches it.
func (c *Controller) SetDecoder(d Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d == nil {
		c.log.Warn("setting decoder to nil")
	}
	if c.state == Running {
		c.log.Warn("decoder replaced while running")
	}
	c.dropWiringLocked()
	c.decoder = d
}

func (c *Controller) dropWiringLocked() {
	if c.wiring == nil {
		return
	}
	c.wiring.Unsubscribe()
	c.wiring = nil
	c.log.Info("stream to decoder wiring dropped")
}

// ConnectStreamToDecoder forwards every byte batch of the stream to the
// decoder. With either collaborator unset it logs and does nothing. The wiring
// is made once per stream/decoder pair.
func (c *Controller) ConnectStreamToDecoder() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		c.log.Error("stream isn't set, won't connect")
		return false
	}
	if c.decoder == nil {
		c.log.Error("decoder isn't set, won't connect")
		return false
	}
	if c.wiring != nil {
		c.log.Debug("stream already connected to decoder")
		return true
	}
	c.wiring = c.stream.Bytes().Subscribe(c.decoder.OnBytes)
	return true
}

func (c *Controller) collaborators() (State, Stream, Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stream, c.decoder
}

func (c *Controller) missing(stream Stream, dec Decoder) error {
	var errs []error
	if c.host == nil {
		errs = append(errs, fmt.Errorf("%w: host is not set", ErrPreconditionViolation))
	}
	if dec == nil {
		errs = append(errs, fmt.Errorf("%w: decoder is not set", ErrPreconditionViolation))
	}
	if stream == nil {
		errs = append(errs, fmt.Errorf("%w: stream is not set", ErrPreconditionViolation))
	}
	return errors.Join(errs...)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start acquires the wake-lock, requests UTC time, then starts the decoder and
// the stream, in that order. Starting a running controller does nothing. If a
// step fails, the steps already taken are undone.
func (c *Controller) Start() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	state, stream, dec := c.collaborators()
	if err := c.missing(stream, dec); err != nil {
		c.log.Error("start refused", "error", err)
		return err
	}
	if state == Running {
		c.log.Warn("start ignored: already running")
		return nil
	}

	c.log.Info("start navigation")
	if err := c.host.AcquireWakelock(); err != nil {
		return fmt.Errorf("acquire wakelock: %w", err)
	}
	c.host.RequestUTCTime()

	if err := dec.Start(); err != nil {
		c.rollback(nil)
		return fmt.Errorf("start decoder: %w", err)
	}
	if err := stream.StartReading(); err != nil {
		c.rollback(dec)
		return fmt.Errorf("start stream: %w", err)
	}

	c.mu.Lock()
	c.state = Running
	c.singleDone = false
	c.mu.Unlock()
	c.sig.Status.Publish(StatusSessionBegin)
	c.sig.Status.Publish(StatusEngineOn)
	return nil
}

func (c *Controller) rollback(dec Decoder) {
	if dec != nil {
		if err := dec.Stop(); err != nil {
			c.log.Warn("rollback: decoder stop failed", "error", err)
		}
	}
	if err := c.host.ReleaseWakelock(); err != nil {
		c.log.Warn("rollback: wakelock release failed", "error", err)
	}
}

// Stop stops the stream, then the decoder, then releases the wake-lock.
// Stopping a stopped controller does nothing. Every step is attempted even if
// an earlier one fails, so the wake-lock never outlives the running state.
func (c *Controller) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	state, stream, dec := c.collaborators()
	if state != Running {
		if err := c.missing(stream, dec); err != nil {
			c.log.Error("stop refused", "error", err)
			return err
		}
		c.log.Debug("stop ignored: not running")
		return nil
	}

	c.log.Info("stop navigation")
	errs := []error{c.missing(stream, dec)}
	if stream != nil {
		if err := stream.StopReading(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	}
	if dec != nil {
		if err := dec.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop decoder: %w", err))
		}
	}
	if c.host != nil {
		if err := c.host.ReleaseWakelock(); err != nil {
			errs = append(errs, fmt.Errorf("release wakelock: %w", err))
		}
	}
	c.setState(Stopped)
	c.sig.Status.Publish(StatusSessionEnd)
	c.sig.Status.Publish(StatusEngineOff)

	err := errors.Join(errs...)
	if err != nil {
		c.log.Error("stop navigation incomplete", "error", err)
	}
	return err
}

// Close tears the controller down: it stops a running session, drops the
// stream wiring and leaves the bus.
func (c *Controller) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	var err error
	if state, _, _ := c.collaborators(); state == Running {
		err = c.stopLocked()
	}

	c.mu.Lock()
	c.dropWiringLocked()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Update publishes the current fix if its position is valid. In single-fix
// mode only the first valid fix of a session is published.
func (c *Controller) Update() {
	c.mu.Lock()
	if !c.fix.LocationValid() {
		c.mu.Unlock()
		return
	}
	if c.mode.Recurrence == RecurrenceSingle {
		if c.singleDone {
			c.mu.Unlock()
			return
		}
		c.singleDone = true
	}
	rec := c.fix
	c.mu.Unlock()
	c.sig.LocationUpdate.Publish(rec)
}

// SatelliteList records the satellites in view and forwards them to the
// platform.
func (c *Controller) SatelliteList(sats []fix.Satellite) {
	cp := append([]fix.Satellite(nil), sats...)
	c.mu.Lock()
	c.satellites = cp
	c.mu.Unlock()
	c.sig.SatelliteList.Publish(cp)
}

// SetPositionMode stores the platform's reporting preference. A new request
// re-arms single-fix mode.
func (c *Controller) SetPositionMode(m PositionModeRequest) error {
	switch {
	case m.Mode < ModeStandalone || m.Mode > ModeMSAssisted:
		return fmt.Errorf("device: unknown position mode %d", m.Mode)
	case m.Recurrence != RecurrencePeriodic && m.Recurrence != RecurrenceSingle:
		return fmt.Errorf("device: unknown recurrence %d", m.Recurrence)
	case m.MinInterval < 0 || m.PreferredTime < 0 || m.PreferredAccuracy < 0:
		return fmt.Errorf("device: negative position mode parameter")
	}
	c.mu.Lock()
	c.mode = m
	c.singleDone = false
	c.mu.Unlock()
	c.log.Info("position mode set",
		"mode", int(m.Mode),
		"recurrence", m.Recurrence.String(),
		"min_interval", m.MinInterval,
		"preferred_accuracy_m", m.PreferredAccuracy,
		"preferred_time", m.PreferredTime)
	return nil
}

func (c *Controller) PositionMode() PositionModeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// InjectLocation keeps a host-provided coarse position as the seed for the
// next session. It never enters the fix.
func (c *Controller) InjectLocation(l LocationInjection) error {
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 || l.Accuracy < 0 {
		return fmt.Errorf("device: injected location out of range (%v,%v,%v)", l.Latitude, l.Longitude, l.Accuracy)
	}
	c.mu.Lock()
	c.seed = &l
	c.mu.Unlock()
	c.log.Info("location injected", "lat", l.Latitude, "lon", l.Longitude, "accuracy_m", l.Accuracy)
	return nil
}

// Seed returns the last injected location.
func (c *Controller) Seed() (LocationInjection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seed == nil {
		return LocationInjection{}, false
	}
	return *c.seed, true
}

// aidingResetter is implemented by decoders that keep satellite state.
type aidingResetter interface {
	ResetAiding()
}

// DeleteAidingData drops the selected assistance state: position clears the
// fix and the injected seed, time clears the last timestamp, and any
// satellite data clears the satellite list and the decoder's state.
func (c *Controller) DeleteAidingData(flags AidingData) {
	const satData = AidingEphemeris | AidingAlmanac | AidingHealth | AidingSvDir | AidingSvSteer | AidingSaData
	c.mu.Lock()
	if flags.Has(AidingPosition) {
		c.fix.InvalidateAll()
		c.seed = nil
	}
	if flags.Has(AidingTime) {
		c.timestamp = 0
	}
	var reset aidingResetter
	if flags.Has(satData) {
		c.satellites = nil
		reset, _ = c.decoder.(aidingResetter)
	}
	c.mu.Unlock()

	if reset != nil {
		reset.ResetAiding()
	}
	c.log.Info("aiding data deleted", "flags", fmt.Sprintf("%#04x", uint16(flags)))
}

// EmitNmea forwards a raw sentence to the platform.
func (c *Controller) EmitNmea(msg string) {
	c.mu.Lock()
	ts := c.timestamp
	c.mu.Unlock()
	c.sig.Nmea.Publish(NmeaEvent{Timestamp: ts, Message: msg})
}

func (c *Controller) SetLocation(lat, lon float64) {
	c.mu.Lock()
	c.fix.SetLocation(lat, lon)
	c.mu.Unlock()
}

func (c *Controller) SetAltitude(m float64) {
	c.mu.Lock()
	c.fix.SetAltitude(m)
	c.mu.Unlock()
}

func (c *Controller) SetSpeed(mps float64) {
	c.mu.Lock()
	c.fix.SetSpeed(mps)
	c.mu.Unlock()
}

func (c *Controller) SetBearing(deg float64) {
	c.mu.Lock()
	c.fix.SetBearing(deg)
	c.mu.Unlock()
}

func (c *Controller) SetAccuracy(m float64) {
	c.mu.Lock()
	c.fix.SetAccuracy(m)
	c.mu.Unlock()
}

// SetTimestamp stamps the fix and NMEA events that follow.
func (c *Controller) SetTimestamp(ts fix.UTCTime) {
	c.mu.Lock()
	c.timestamp = ts
	c.fix.SetTimestamp(ts)
	c.mu.Unlock()
}

func (c *Controller) InvalidateLocation() {
	c.mu.Lock()
	c.fix.InvalidateLocation()
	c.mu.Unlock()
}

func (c *Controller) InvalidateAltitude() {
	c.mu.Lock()
	c.fix.InvalidateAltitude()
	c.mu.Unlock()
}

func (c *Controller) InvalidateSpeed() {
	c.mu.Lock()
	c.fix.InvalidateSpeed()
	c.mu.Unlock()
}

func (c *Controller) InvalidateBearing() {
	c.mu.Lock()
	c.fix.InvalidateBearing()
	c.mu.Unlock()
}

func (c *Controller) InvalidateAccuracy() {
	c.mu.Lock()
	c.fix.InvalidateAccuracy()
	c.mu.Unlock()
}

// Fix returns a copy of the current fix.
func (c *Controller) Fix() fix.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fix
}

func (c *Controller) Timestamp() fix.UTCTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timestamp
}

type Snapshot struct {
	State          string             `json:"state"`
	StreamSet      bool               `json:"stream_set"`
	DecoderSet     bool               `json:"decoder_set"`
	Wired          bool               `json:"wired"`
	LastTimestamp  string             `json:"last_timestamp,omitempty"`
	Fix            fix.Record         `json:"fix"`
	Recurrence     string             `json:"recurrence"`
	MinInterval    string             `json:"min_interval,omitempty"`
	Seed           *LocationInjection `json:"seed,omitempty"`
	SatellitesSeen int                `json:"satellites_in_view"`
	SatellitesUsed int                `json:"satellites_used"`
}

// Snapshot reports the controller's internal state for diagnostics.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{
		State:      c.state.String(),
		StreamSet:  c.stream != nil,
		DecoderSet: c.decoder != nil,
		Wired:      c.wiring != nil,
		Fix:        c.fix,
		Recurrence: c.mode.Recurrence.String(),
		Seed:       c.seed,

		SatellitesSeen: len(c.satellites),
		SatellitesUsed: fix.UsedCount(c.satellites),
	}
	if c.mode.MinInterval > 0 {
		out.MinInterval = c.mode.MinInterval.String()
	}
	if c.timestamp != 0 {
		out.LastTimestamp = timeutil.Format(c.timestamp)
	}
	return out
}

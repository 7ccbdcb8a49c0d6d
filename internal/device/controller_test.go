package device

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gnsshal/internal/eventbus"
	"gnsshal/internal/fix"
)

type callLog struct {
	calls []string
}

func (l *callLog) add(s string) { l.calls = append(l.calls, s) }

type fakeHost struct {
	log        *callLog
	acquireErr error
	held       int
}

func (h *fakeHost) AcquireWakelock() error {
	h.log.add("wakelock.acquire")
	if h.acquireErr != nil {
		return h.acquireErr
	}
	h.held++
	return nil
}

func (h *fakeHost) ReleaseWakelock() error {
	h.log.add("wakelock.release")
	h.held--
	return nil
}

func (h *fakeHost) RequestUTCTime() { h.log.add("time.request") }

type fakeStream struct {
	log      *callLog
	bytes    *eventbus.Channel[[]byte]
	startErr error
	stopErr  error
}

func newFakeStream(b *eventbus.Bus, log *callLog) *fakeStream {
	return &fakeStream{log: log, bytes: eventbus.NewChannel[[]byte](b, "fake.stream.bytes")}
}

func (s *fakeStream) Bytes() *eventbus.Channel[[]byte] { return s.bytes }

func (s *fakeStream) StartReading() error {
	s.log.add("stream.start")
	return s.startErr
}

func (s *fakeStream) StopReading() error {
	s.log.add("stream.stop")
	return s.stopErr
}

type fakeDecoder struct {
	log      *callLog
	got      [][]byte
	startErr error
}

func (d *fakeDecoder) OnBytes(p []byte) { d.got = append(d.got, p) }

func (d *fakeDecoder) Start() error {
	d.log.add("decoder.start")
	return d.startErr
}

func (d *fakeDecoder) Stop() error {
	d.log.add("decoder.stop")
	return nil
}

type harness struct {
	bus     *eventbus.Bus
	sig     *Signals
	log     *callLog
	host    *fakeHost
	stream  *fakeStream
	decoder *fakeDecoder
	ctrl    *Controller
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := eventbus.NewBus()
	log := &callLog{}
	h := &harness{
		bus:     b,
		sig:     NewSignals(b),
		log:     log,
		host:    &fakeHost{log: log},
		stream:  newFakeStream(b, log),
		decoder: &fakeDecoder{log: log},
	}
	h.ctrl = New(h.sig, h.host, quietLogger())
	return h
}

func (h *harness) attach() {
	h.ctrl.SetStream(h.stream)
	h.ctrl.SetDecoder(h.decoder)
}

func TestStart_OrderOfOperations(t *testing.T) {
	h := newHarness(t)
	h.attach()

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	want := []string{"wakelock.acquire", "time.request", "decoder.start", "stream.start"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("start order (-want +got):\n%s", diff)
	}
	if h.ctrl.State() != Running {
		t.Fatalf("state=%s want running", h.ctrl.State())
	}

	h.log.calls = nil
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	want = []string{"stream.stop", "decoder.stop", "wakelock.release"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("stop order (-want +got):\n%s", diff)
	}
	if h.ctrl.State() != Stopped {
		t.Fatalf("state=%s want stopped", h.ctrl.State())
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
}

func TestStartStop_ViaPlatformSignals(t *testing.T) {
	h := newHarness(t)
	h.attach()

	var statuses []Status
	h.sig.Status.Subscribe(func(s Status) { statuses = append(statuses, s) })

	if v, ok := h.sig.Start.Publish(eventbus.Void{}); !ok || v != 0 {
		t.Fatalf("start=(%d,%v) want (0,true)", v, ok)
	}
	if v, ok := h.sig.Stop.Publish(eventbus.Void{}); !ok || v != 0 {
		t.Fatalf("stop=(%d,%v) want (0,true)", v, ok)
	}
	want := []Status{StatusSessionBegin, StatusEngineOn, StatusSessionEnd, StatusEngineOff}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.attach()

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if h.host.held != 1 {
		t.Fatalf("wakelock held=%d want 1", h.host.held)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
}

func TestStart_PreconditionViolation(t *testing.T) {
	cases := []struct {
		name    string
		stream  bool
		decoder bool
	}{
		{name: "NoStream", decoder: true},
		{name: "NoDecoder", stream: true},
		{name: "Neither"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.stream {
				h.ctrl.SetStream(h.stream)
			}
			if tc.decoder {
				h.ctrl.SetDecoder(h.decoder)
			}
			err := h.ctrl.Start()
			if !errors.Is(err, ErrPreconditionViolation) {
				t.Fatalf("Start() err=%v want ErrPreconditionViolation", err)
			}
			if len(h.log.calls) != 0 {
				t.Fatalf("no collaborator should be touched, got %v", h.log.calls)
			}
			if v, _ := h.sig.Start.Publish(eventbus.Void{}); v != -1 {
				t.Fatalf("start signal result=%d want -1", v)
			}
			if err := h.ctrl.Stop(); !errors.Is(err, ErrPreconditionViolation) {
				t.Fatalf("Stop() err=%v want ErrPreconditionViolation", err)
			}
		})
	}
}

func TestStart_NilHost(t *testing.T) {
	b := eventbus.NewBus()
	log := &callLog{}
	ctrl := New(NewSignals(b), nil, quietLogger())
	ctrl.SetStream(newFakeStream(b, log))
	ctrl.SetDecoder(&fakeDecoder{log: log})
	if err := ctrl.Start(); !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("Start() err=%v want ErrPreconditionViolation", err)
	}
}

func TestStart_RollsBackOnStreamFailure(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.stream.startErr = errors.New("port busy")

	err := h.ctrl.Start()
	if err == nil {
		t.Fatalf("expected error")
	}
	want := []string{"wakelock.acquire", "time.request", "decoder.start", "stream.start", "decoder.stop", "wakelock.release"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if h.ctrl.State() != Stopped {
		t.Fatalf("state=%s want stopped", h.ctrl.State())
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
}

func TestStart_RollsBackOnDecoderFailure(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.decoder.startErr = errors.New("bad state")

	if err := h.ctrl.Start(); err == nil {
		t.Fatalf("expected error")
	}
	want := []string{"wakelock.acquire", "time.request", "decoder.start", "wakelock.release"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestStart_WakelockFailure(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.host.acquireErr = errors.New("denied")

	if err := h.ctrl.Start(); err == nil {
		t.Fatalf("expected error")
	}
	if diff := cmp.Diff([]string{"wakelock.acquire"}, h.log.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestStop_ReleasesWakelockEvenOnStreamError(t *testing.T) {
	h := newHarness(t)
	h.attach()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.stream.stopErr = errors.New("read loop stuck")
	h.log.calls = nil

	if err := h.ctrl.Stop(); err == nil {
		t.Fatalf("expected error")
	}
	want := []string{"stream.stop", "decoder.stop", "wakelock.release"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
}

func TestStop_StreamDetachedWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.attach()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.ctrl.SetStream(nil)
	h.log.calls = nil

	err := h.ctrl.Stop()
	if !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("Stop() err=%v want ErrPreconditionViolation", err)
	}
	want := []string{"decoder.stop", "wakelock.release"}
	if diff := cmp.Diff(want, h.log.calls); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
}

func TestConnectStreamToDecoder_NoopWhenUnset(t *testing.T) {
	h := newHarness(t)
	if h.ctrl.ConnectStreamToDecoder() {
		t.Fatalf("expected no wiring without collaborators")
	}
	h.ctrl.SetStream(h.stream)
	if h.ctrl.ConnectStreamToDecoder() {
		t.Fatalf("expected no wiring without decoder")
	}
	if h.stream.bytes.Len() != 0 {
		t.Fatalf("subscriptions=%d want 0", h.stream.bytes.Len())
	}

	h.ctrl.SetStream(nil)
	h.ctrl.SetDecoder(h.decoder)
	if h.ctrl.ConnectStreamToDecoder() {
		t.Fatalf("expected no wiring without stream")
	}
	if h.stream.bytes.Len() != 0 {
		t.Fatalf("subscriptions=%d want 0", h.stream.bytes.Len())
	}
}

func TestConnectStreamToDecoder_ForwardsBytesOnce(t *testing.T) {
	h := newHarness(t)
	h.attach()

	if !h.ctrl.ConnectStreamToDecoder() {
		t.Fatalf("expected wiring")
	}
	if !h.ctrl.ConnectStreamToDecoder() {
		t.Fatalf("expected repeated connect to report wired")
	}
	if h.stream.bytes.Len() != 1 {
		t.Fatalf("subscriptions=%d want 1", h.stream.bytes.Len())
	}

	payload := []byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	h.stream.bytes.Publish(payload)

	if len(h.decoder.got) != 1 {
		t.Fatalf("decoder calls=%d want 1", len(h.decoder.got))
	}
	if string(h.decoder.got[0]) != string(payload) {
		t.Fatalf("decoder got %q want %q", h.decoder.got[0], payload)
	}
	if !h.ctrl.Snapshot().Wired {
		t.Fatalf("expected snapshot wired")
	}
}

func TestSetDecoder_DropsWiring(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.ctrl.ConnectStreamToDecoder()

	other := &fakeDecoder{log: h.log}
	h.ctrl.SetDecoder(other)
	h.stream.bytes.Publish([]byte("x"))
	if len(h.decoder.got) != 0 || len(other.got) != 0 {
		t.Fatalf("no decoder should receive bytes before reconnect")
	}

	h.ctrl.ConnectStreamToDecoder()
	h.stream.bytes.Publish([]byte("y"))
	if len(other.got) != 1 || string(other.got[0]) != "y" {
		t.Fatalf("new decoder got %q", other.got)
	}
}

func TestUpdate_PublishesOnlyWithValidPosition(t *testing.T) {
	h := newHarness(t)
	var got []fix.Record
	h.sig.LocationUpdate.Subscribe(func(r fix.Record) { got = append(got, r) })

	h.ctrl.SetAltitude(100)
	h.ctrl.Update()
	if len(got) != 0 {
		t.Fatalf("updates=%d want 0 without position", len(got))
	}

	h.ctrl.SetLocation(48.8, 2.3)
	h.ctrl.SetTimestamp(1700000000000)
	h.ctrl.Update()
	if len(got) != 1 {
		t.Fatalf("updates=%d want 1", len(got))
	}
	lat, lon, ok := got[0].Location()
	if !ok || lat != 48.8 || lon != 2.3 {
		t.Fatalf("location=(%v,%v,%v)", lat, lon, ok)
	}
	if got[0].Timestamp() != 1700000000000 {
		t.Fatalf("timestamp=%d", got[0].Timestamp())
	}

	h.ctrl.InvalidateLocation()
	h.ctrl.Update()
	if len(got) != 1 {
		t.Fatalf("updates=%d want 1 after invalidation", len(got))
	}
}

func TestUpdate_PublishesSnapshot(t *testing.T) {
	h := newHarness(t)
	var got fix.Record
	h.sig.LocationUpdate.Subscribe(func(r fix.Record) { got = r })

	h.ctrl.SetLocation(1, 2)
	h.ctrl.SetSpeed(3)
	h.ctrl.Update()
	h.ctrl.InvalidateSpeed()

	if !got.SpeedValid() {
		t.Fatalf("published record must not change after later mutations")
	}
}

func TestSettersAndInvalidators(t *testing.T) {
	h := newHarness(t)
	c := h.ctrl

	c.SetLocation(48.8, 2.3)
	c.SetAltitude(35)
	c.SetSpeed(1.5)
	c.SetBearing(270)
	c.SetAccuracy(4)

	f := c.Fix()
	want := fix.PlatformLocation{
		Flags:     fix.HasLatLong | fix.HasAltitude | fix.HasSpeed | fix.HasBearing | fix.HasAccuracy,
		Latitude:  48.8,
		Longitude: 2.3,
		Altitude:  35,
		Speed:     1.5,
		Bearing:   270,
		Accuracy:  4,
	}
	if diff := cmp.Diff(want, f.CopyToPlatform()); diff != "" {
		t.Fatalf("fix (-want +got):\n%s", diff)
	}

	c.InvalidateAltitude()
	c.InvalidateSpeed()
	c.InvalidateBearing()
	c.InvalidateAccuracy()
	f = c.Fix()
	if !f.LocationValid() || f.AltitudeValid() || f.SpeedValid() || f.BearingValid() || f.AccuracyValid() {
		t.Fatalf("unexpected validity: %s", f)
	}

	c.InvalidateLocation()
	if c.Fix().LocationValid() {
		t.Fatalf("expected location invalid")
	}
	c.SetLocation(10, 20)
	if lat, lon, ok := c.Fix().Location(); !ok || lat != 10 || lon != 20 {
		t.Fatalf("location=(%v,%v,%v) want (10,20,true)", lat, lon, ok)
	}
}

func TestEmitNmea_CarriesLastTimestamp(t *testing.T) {
	h := newHarness(t)
	var got []NmeaEvent
	h.sig.Nmea.Subscribe(func(e NmeaEvent) { got = append(got, e) })

	h.ctrl.SetTimestamp(1234)
	h.ctrl.EmitNmea("$GPRMC,...")
	if len(got) != 1 {
		t.Fatalf("events=%d want 1", len(got))
	}
	if got[0].Timestamp != 1234 || got[0].Message != "$GPRMC,..." {
		t.Fatalf("event=%+v", got[0])
	}
	if h.ctrl.Timestamp() != 1234 {
		t.Fatalf("timestamp=%d want 1234", h.ctrl.Timestamp())
	}
}

func TestClose_StopsAndLeavesBus(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.ctrl.ConnectStreamToDecoder()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	h.sig.Cleanup.Publish(eventbus.Void{})

	if h.ctrl.State() != Stopped {
		t.Fatalf("state=%s want stopped", h.ctrl.State())
	}
	if h.host.held != 0 {
		t.Fatalf("wakelock held=%d want 0", h.host.held)
	}
	if h.sig.Start.Len() != 0 || h.sig.Stop.Len() != 0 || h.sig.Cleanup.Len() != 0 ||
		h.sig.SetPositionMode.Len() != 0 || h.sig.InjectLocation.Len() != 0 || h.sig.DeleteAidingData.Len() != 0 {
		t.Fatalf("controller still subscribed")
	}
	if h.stream.bytes.Len() != 0 {
		t.Fatalf("wiring still present")
	}
	if _, ok := h.sig.Start.Publish(eventbus.Void{}); ok {
		t.Fatalf("start request should have no subscriber")
	}
}

func TestSetPositionMode_SingleFixPublishesOncePerSession(t *testing.T) {
	h := newHarness(t)
	h.attach()
	var updates int
	h.sig.LocationUpdate.Subscribe(func(fix.Record) { updates++ })

	rc, ok := h.sig.SetPositionMode.Publish(PositionModeRequest{Recurrence: RecurrenceSingle, MinInterval: time.Second})
	if !ok || rc != 0 {
		t.Fatalf("rc=%d handled=%v", rc, ok)
	}
	if got := h.ctrl.PositionMode(); got.Recurrence != RecurrenceSingle || got.MinInterval != time.Second {
		t.Fatalf("mode=%+v", got)
	}

	h.ctrl.SetLocation(48.8, 2.3)
	h.ctrl.Update()
	h.ctrl.Update()
	if updates != 1 {
		t.Fatalf("updates=%d want 1", updates)
	}

	// A new session re-arms the single fix.
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.ctrl.Update()
	h.ctrl.Update()
	if updates != 2 {
		t.Fatalf("updates=%d want 2", updates)
	}

	if err := h.ctrl.SetPositionMode(PositionModeRequest{Recurrence: RecurrencePeriodic}); err != nil {
		t.Fatalf("SetPositionMode() error: %v", err)
	}
	h.ctrl.Update()
	h.ctrl.Update()
	if updates != 4 {
		t.Fatalf("updates=%d want 4", updates)
	}
}

func TestSetPositionMode_RejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	cases := []PositionModeRequest{
		{Mode: 7},
		{Recurrence: 3},
		{MinInterval: -time.Millisecond},
		{PreferredAccuracy: -1},
	}
	for _, m := range cases {
		if rc, _ := h.sig.SetPositionMode.Publish(m); rc == 0 {
			t.Fatalf("mode %+v accepted", m)
		}
	}
	if got := h.ctrl.PositionMode(); got != (PositionModeRequest{}) {
		t.Fatalf("mode changed to %+v", got)
	}
}

func TestInjectLocation_SeedsWithoutTouchingFix(t *testing.T) {
	h := newHarness(t)
	if rc, _ := h.sig.InjectLocation.Publish(LocationInjection{Latitude: 91}); rc == 0 {
		t.Fatalf("out of range location accepted")
	}
	if _, ok := h.ctrl.Seed(); ok {
		t.Fatalf("seed set by rejected injection")
	}

	in := LocationInjection{Latitude: 48.8, Longitude: 2.3, Accuracy: 1500}
	if rc, ok := h.sig.InjectLocation.Publish(in); !ok || rc != 0 {
		t.Fatalf("rc=%d handled=%v", rc, ok)
	}
	if got, ok := h.ctrl.Seed(); !ok || got != in {
		t.Fatalf("seed=(%+v,%v) want %+v", got, ok, in)
	}
	if h.ctrl.Fix().LocationValid() {
		t.Fatalf("injected location leaked into the fix")
	}
	if snap := h.ctrl.Snapshot(); snap.Seed == nil || *snap.Seed != in {
		t.Fatalf("snapshot seed=%v", snap.Seed)
	}
}

type resettingDecoder struct {
	fakeDecoder
	resets int
}

func (d *resettingDecoder) ResetAiding() { d.resets++ }

func TestDeleteAidingData(t *testing.T) {
	h := newHarness(t)
	dec := &resettingDecoder{fakeDecoder: fakeDecoder{log: h.log}}
	h.ctrl.SetStream(h.stream)
	h.ctrl.SetDecoder(dec)

	h.ctrl.SetLocation(48.8, 2.3)
	h.ctrl.SetAltitude(35)
	h.ctrl.SetTimestamp(1000)
	h.ctrl.SatelliteList([]fix.Satellite{{PRN: 4, Used: true}})
	_ = h.ctrl.InjectLocation(LocationInjection{Latitude: 1, Longitude: 2})

	h.sig.DeleteAidingData.Publish(AidingTime)
	if h.ctrl.Timestamp() != 0 || !h.ctrl.Fix().LocationValid() || dec.resets != 0 {
		t.Fatalf("time-only delete: ts=%d fix=%s resets=%d", h.ctrl.Timestamp(), h.ctrl.Fix(), dec.resets)
	}

	h.sig.DeleteAidingData.Publish(AidingPosition)
	if r := h.ctrl.Fix(); r.LocationValid() || r.AltitudeValid() {
		t.Fatalf("fix after position delete: %s", r)
	}
	if _, ok := h.ctrl.Seed(); ok {
		t.Fatalf("seed kept after position delete")
	}
	if snap := h.ctrl.Snapshot(); snap.SatellitesSeen != 1 {
		t.Fatalf("satellites dropped by position delete")
	}

	h.sig.DeleteAidingData.Publish(AidingEphemeris)
	if dec.resets != 1 {
		t.Fatalf("resets=%d want 1", dec.resets)
	}
	if snap := h.ctrl.Snapshot(); snap.SatellitesSeen != 0 {
		t.Fatalf("satellites=%d want 0", snap.SatellitesSeen)
	}
}

func TestSatelliteList_PublishesCopy(t *testing.T) {
	h := newHarness(t)
	var got [][]fix.Satellite
	h.sig.SatelliteList.Subscribe(func(s []fix.Satellite) { got = append(got, s) })

	in := []fix.Satellite{{Constellation: "GP", PRN: 4, Used: true}, {Constellation: "GL", PRN: 67}}
	h.ctrl.SatelliteList(in)
	in[0].PRN = 99

	want := [][]fix.Satellite{{{Constellation: "GP", PRN: 4, Used: true}, {Constellation: "GL", PRN: 67}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("satellite list mismatch (-want +got):\n%s", diff)
	}
	if snap := h.ctrl.Snapshot(); snap.SatellitesSeen != 2 || snap.SatellitesUsed != 1 {
		t.Fatalf("snapshot seen=%d used=%d", snap.SatellitesSeen, snap.SatellitesUsed)
	}
}

// Package nmea decodes NMEA 0183 byte streams into fix updates.
//
// The decoder frames the incoming bytes into sentences, forwards every
// well-formed sentence untouched, and maps RMC, GGA, GSA, VTG and GST onto the
// controller's field setters. An RMC closes an epoch and triggers Update. GSV
// series become satellite list updates.
package nmea

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"gnsshal/internal/fix"
	"gnsshal/internal/timeutil"
)

const (
	// NMEA sentences are at most 82 chars; leave headroom for proprietary ones.
	maxLineBytes = 4096

	knotsToMPS = 1852.0 / 3600.0
	kphToMPS   = 1000.0 / 3600.0
)

// Sink receives decoded values. device.Controller implements it.
type Sink interface {
	SetLocation(lat, lon float64)
	SetAltitude(m float64)
	SetSpeed(mps float64)
	SetBearing(deg float64)
	SetAccuracy(m float64)
	SetTimestamp(ts fix.UTCTime)

	InvalidateLocation()
	InvalidateAltitude()
	InvalidateSpeed()
	InvalidateBearing()

	Update()
	EmitNmea(msg string)
	SatelliteList(sats []fix.Satellite)
}

type Stats struct {
	Sentences      uint64 `json:"sentences"`
	Decoded        uint64 `json:"decoded"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	Unsupported    uint64 `json:"unsupported"`
	Overflows      uint64 `json:"overflows"`
	LastError      string `json:"last_error,omitempty"`
}

// Decoder is fed from a single reader goroutine; Start/Stop may come from
// another goroutine.
type Decoder struct {
	sink  Sink
	clock *timeutil.Clock
	log   *slog.Logger

	mu      sync.Mutex
	started bool
	buf     []byte
	stats   Stats

	// Satellite state, keyed by talker.
	pending   map[string][]fix.Satellite
	inView    map[string][]fix.Satellite
	used      map[int]bool
	usedFresh bool
}

func NewDecoder(sink Sink, clock *timeutil.Clock, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.NewClock(logger)
	}
	d := &Decoder{sink: sink, clock: clock, log: logger.With("component", "nmea")}
	d.resetSatellitesLocked()
	return d
}

func (d *Decoder) resetSatellitesLocked() {
	d.pending = make(map[string][]fix.Satellite)
	d.inView = make(map[string][]fix.Satellite)
	d.used = make(map[int]bool)
	d.usedFresh = false
}

// ResetAiding forgets the satellites seen so far and any partial sentence, as
// after a cold start of the receiver.
func (d *Decoder) ResetAiding() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetSatellitesLocked()
	d.buf = d.buf[:0]
}

func (d *Decoder) Start() error {
	if d.sink == nil {
		return fmt.Errorf("nmea: decoder has no sink")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.buf = d.buf[:0]
	d.resetSatellitesLocked()
	return nil
}

func (d *Decoder) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.buf = nil
	return nil
}

func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// OnBytes accepts one batch from the stream. Bytes arriving while stopped are
// discarded.
func (d *Decoder) OnBytes(p []byte) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.buf = append(d.buf, p...)
	var lines []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(d.buf) > maxLineBytes {
		d.stats.Overflows++
		d.buf = d.buf[:0]
	}
	// Compact so the buffer does not creep forward forever.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	d.mu.Unlock()

	for _, line := range lines {
		d.handleLine(line)
	}
}

func (d *Decoder) handleLine(line string) {
	// Receivers interleave binary or debug chatter; only frame on '$'.
	start := strings.IndexByte(line, '$')
	if start < 0 {
		return
	}
	line = line[start:]

	d.count(func(s *Stats) { s.Sentences++ })
	sent, err := gonmea.Parse(line)
	if err != nil {
		var unsupported *gonmea.NotSupportedError
		if errors.As(err, &unsupported) {
			// Proprietary or unknown sentence types are forwarded but not decoded.
			d.sink.EmitNmea(line)
			d.count(func(s *Stats) { s.Unsupported++ })
			return
		}
		d.count(func(s *Stats) {
			s.ChecksumErrors++
			s.LastError = err.Error()
		})
		d.log.Debug("nmea sentence rejected", "error", err, "line", line)
		return
	}
	d.sink.EmitNmea(line)
	if d.apply(sent) {
		d.count(func(s *Stats) { s.Decoded++ })
	}
}

func (d *Decoder) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Decoder) apply(sent gonmea.Sentence) bool {
	switch m := sent.(type) {
	case gonmea.RMC:
		d.applyRMC(m)
	case gonmea.GGA:
		d.applyGGA(m)
	case gonmea.GSA:
		d.applyGSA(m)
	case gonmea.GSV:
		d.applyGSV(m)
	case gonmea.VTG:
		d.applyVTG(m)
	case GST:
		d.applyGST(m)
	default:
		return false
	}
	return true
}

// RMC: recommended minimum data. Ends the epoch.
func (d *Decoder) applyRMC(m gonmea.RMC) {
	if ts, ok := d.timestamp(field(m.BaseSentence, 0), m.Date); ok {
		d.sink.SetTimestamp(ts)
	}
	d.endEpoch()
	if m.Validity != gonmea.ValidRMC {
		d.sink.InvalidateLocation()
		d.sink.InvalidateSpeed()
		d.sink.InvalidateBearing()
		d.sink.Update()
		return
	}
	d.sink.SetLocation(m.Latitude, m.Longitude)
	if present(m.BaseSentence, 6) {
		d.sink.SetSpeed(m.Speed * knotsToMPS)
	} else {
		d.sink.InvalidateSpeed()
	}
	if present(m.BaseSentence, 7) {
		d.sink.SetBearing(normalizeBearing(m.Course))
	} else {
		d.sink.InvalidateBearing()
	}
	d.sink.Update()
}

// GGA: fix data. Altitude is reported above mean sea level; adding the geoid
// separation gives height above the ellipsoid.
func (d *Decoder) applyGGA(m gonmea.GGA) {
	if m.FixQuality == gonmea.Invalid || m.FixQuality == "" {
		d.sink.InvalidateLocation()
		d.sink.InvalidateAltitude()
		return
	}
	d.sink.SetLocation(m.Latitude, m.Longitude)
	if present(m.BaseSentence, 8) {
		d.sink.SetAltitude(m.Altitude + m.Separation)
	} else {
		d.sink.InvalidateAltitude()
	}
}

// GSA: fix type and the satellites used in the solution. A multi-constellation
// receiver sends one GSA per system each epoch.
func (d *Decoder) applyGSA(m gonmea.GSA) {
	switch m.FixType {
	case gonmea.FixNone:
		d.sink.InvalidateLocation()
		d.sink.InvalidateAltitude()
	case gonmea.Fix2D:
		d.sink.InvalidateAltitude()
	}

	d.mu.Lock()
	if !d.usedFresh {
		clear(d.used)
		d.usedFresh = true
	}
	for _, sv := range m.SV {
		if prn, err := strconv.Atoi(strings.TrimSpace(sv)); err == nil && prn > 0 {
			d.used[prn] = true
		}
	}
	d.mu.Unlock()
}

// GSV: satellites in view, split over several sentences per constellation.
// The list is published once the last sentence of a series arrives.
func (d *Decoder) applyGSV(m gonmea.GSV) {
	talker := m.TalkerID()
	d.mu.Lock()
	if m.MessageNumber <= 1 {
		d.pending[talker] = d.pending[talker][:0]
	}
	for _, info := range m.Info {
		d.pending[talker] = append(d.pending[talker], fix.Satellite{
			Constellation: talker,
			PRN:           int(info.SVPRNNumber),
			Elevation:     int(info.Elevation),
			Azimuth:       int(info.Azimuth),
			SNR:           int(info.SNR),
		})
	}
	if m.MessageNumber < m.TotalMessages {
		d.mu.Unlock()
		return
	}
	d.inView[talker] = append([]fix.Satellite(nil), d.pending[talker]...)
	list := d.satellitesLocked()
	d.mu.Unlock()

	d.sink.SatelliteList(list)
}

func (d *Decoder) satellitesLocked() []fix.Satellite {
	talkers := make([]string, 0, len(d.inView))
	for t := range d.inView {
		talkers = append(talkers, t)
	}
	sort.Strings(talkers)
	var out []fix.Satellite
	for _, t := range talkers {
		for _, sat := range d.inView[t] {
			sat.Used = d.used[sat.PRN]
			out = append(out, sat)
		}
	}
	return out
}

// endEpoch marks the used set as belonging to the epoch just closed; the next
// GSA starts a new one.
func (d *Decoder) endEpoch() {
	d.mu.Lock()
	d.usedFresh = false
	d.mu.Unlock()
}

// VTG: track and ground speed.
func (d *Decoder) applyVTG(m gonmea.VTG) {
	if present(m.BaseSentence, 0) {
		d.sink.SetBearing(normalizeBearing(m.TrueTrack))
	}
	if present(m.BaseSentence, 6) {
		d.sink.SetSpeed(m.GroundSpeedKPH * kphToMPS)
	} else if present(m.BaseSentence, 4) {
		d.sink.SetSpeed(m.GroundSpeedKnots * knotsToMPS)
	}
}

// GST: pseudorange error statistics; horizontal accuracy from the lat/lon
// standard deviations.
func (d *Decoder) applyGST(m GST) {
	if !present(m.BaseSentence, 5) || !present(m.BaseSentence, 6) {
		return
	}
	d.sink.SetAccuracy(math.Hypot(m.LatitudeError, m.LongitudeError))
}

// timestamp combines the sentence time of day with its date, or with the
// clock's day when the sentence carries no date.
func (d *Decoder) timestamp(raw string, date gonmea.Date) (fix.UTCTime, bool) {
	tod, err := timeutil.ParseTimeOfDay(raw)
	if err != nil {
		return 0, false
	}
	if date.Valid {
		year := 2000 + date.YY
		if date.YY >= 80 {
			year = 1900 + date.YY
		}
		day := time.Date(year, time.Month(date.MM), date.DD, 0, 0, 0, 0, time.UTC)
		return fix.FromTime(day.Add(tod)), true
	}
	return d.clock.Timestamp(tod), true
}

func field(s gonmea.BaseSentence, i int) string {
	if i >= len(s.Fields) {
		return ""
	}
	return s.Fields[i]
}

// present reports whether field i of the sentence body is non-empty. go-nmea
// reads empty numeric fields as zero, which is a legitimate value for speed and
// course.
func present(s gonmea.BaseSentence, i int) bool {
	return i < len(s.Fields) && strings.TrimSpace(s.Fields[i]) != ""
}

func normalizeBearing(deg float64) float64 {
	return math.Mod(deg+360.0, 360.0)
}

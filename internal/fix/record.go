// Package fix holds the position-fix data model.
//
// Every quantity of a Record has its own validity: a receiver that has lost
// its fix, or reports a degraded one, is described by which fields are valid,
// not by zeroed numbers. Latitude and longitude share a single validity unit.
package fix

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UTCTime is a UTC instant in milliseconds since the Unix epoch.
type UTCTime int64

func FromTime(t time.Time) UTCTime {
	return UTCTime(t.UnixMilli())
}

func (u UTCTime) Time() time.Time {
	return time.UnixMilli(int64(u)).UTC()
}

// field is a value plus its validity. Invalidation keeps the stored value but
// get never hands it out.
type field struct {
	value float64
	valid bool
}

func (f *field) set(v float64) { f.value, f.valid = v, true }

func (f *field) invalidate() { f.valid = false }

func (f field) get() (float64, bool) {
	if !f.valid {
		return 0, false
	}
	return f.value, true
}

// Record is one positioning result. The zero value has no valid field.
type Record struct {
	lat, lon float64
	position bool

	altitude field // meters above the WGS 84 ellipsoid
	speed    field // meters per second
	bearing  field // degrees
	accuracy field // meters

	timestamp UTCTime
}

// Option supplies an optional quantity to New.
type Option func(*Record)

func WithAltitude(m float64) Option  { return func(r *Record) { r.altitude.set(m) } }
func WithSpeed(mps float64) Option   { return func(r *Record) { r.speed.set(mps) } }
func WithBearing(deg float64) Option { return func(r *Record) { r.bearing.set(deg) } }
func WithAccuracy(m float64) Option  { return func(r *Record) { r.accuracy.set(m) } }

// New builds a Record with a valid position and whatever opts provide.
func New(ts UTCTime, lat, lon float64, opts ...Option) Record {
	r := Record{timestamp: ts}
	r.SetLocation(lat, lon)
	for _, o := range opts {
		o(&r)
	}
	return r
}

func (r Record) LocationValid() bool { return r.position }
func (r Record) AltitudeValid() bool { return r.altitude.valid }
func (r Record) SpeedValid() bool    { return r.speed.valid }
func (r Record) BearingValid() bool  { return r.bearing.valid }
func (r Record) AccuracyValid() bool { return r.accuracy.valid }

// Location returns latitude and longitude in degrees.
func (r Record) Location() (lat, lon float64, ok bool) {
	if !r.position {
		return 0, 0, false
	}
	return r.lat, r.lon, true
}

func (r Record) Altitude() (float64, bool) { return r.altitude.get() }
func (r Record) Speed() (float64, bool)    { return r.speed.get() }
func (r Record) Bearing() (float64, bool)  { return r.bearing.get() }
func (r Record) Accuracy() (float64, bool) { return r.accuracy.get() }

func (r Record) Timestamp() UTCTime { return r.timestamp }

func (r *Record) SetLocation(lat, lon float64) {
	r.lat, r.lon = lat, lon
	r.position = true
}

func (r *Record) SetAltitude(m float64)   { r.altitude.set(m) }
func (r *Record) SetSpeed(mps float64)    { r.speed.set(mps) }
func (r *Record) SetBearing(deg float64)  { r.bearing.set(deg) }
func (r *Record) SetAccuracy(m float64)   { r.accuracy.set(m) }
func (r *Record) SetTimestamp(ts UTCTime) { r.timestamp = ts }

func (r *Record) InvalidateLocation() { r.position = false }
func (r *Record) InvalidateAltitude() { r.altitude.invalidate() }
func (r *Record) InvalidateSpeed()    { r.speed.invalidate() }
func (r *Record) InvalidateBearing()  { r.bearing.invalidate() }
func (r *Record) InvalidateAccuracy() { r.accuracy.invalidate() }

// InvalidateAll clears every validity flag. The timestamp is kept.
func (r *Record) InvalidateAll() {
	r.InvalidateLocation()
	r.InvalidateAltitude()
	r.InvalidateSpeed()
	r.InvalidateBearing()
	r.InvalidateAccuracy()
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s", r.timestamp.Time().Format("2006-01-02T15:04:05.000Z"))
	if lat, lon, ok := r.Location(); ok {
		fmt.Fprintf(&b, " lat=%.7f lon=%.7f", lat, lon)
	} else {
		b.WriteString(" lat=- lon=-")
	}
	writeField(&b, "alt", r.altitude, "%.1f")
	writeField(&b, "speed", r.speed, "%.2f")
	writeField(&b, "bearing", r.bearing, "%.1f")
	writeField(&b, "acc", r.accuracy, "%.1f")
	return b.String()
}

func writeField(b *strings.Builder, name string, f field, format string) {
	b.WriteString(" ")
	b.WriteString(name)
	b.WriteString("=")
	if v, ok := f.get(); ok {
		fmt.Fprintf(b, format, v)
		return
	}
	b.WriteString("-")
}

type recordJSON struct {
	Timestamp int64    `json:"timestamp"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// MarshalJSON emits only the valid quantities; timestamp is always present.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{Timestamp: int64(r.timestamp)}
	if lat, lon, ok := r.Location(); ok {
		out.Latitude, out.Longitude = &lat, &lon
	}
	out.Altitude = ptr(r.altitude)
	out.Speed = ptr(r.speed)
	out.Bearing = ptr(r.bearing)
	out.Accuracy = ptr(r.accuracy)
	return json.Marshal(out)
}

func ptr(f field) *float64 {
	v, ok := f.get()
	if !ok {
		return nil
	}
	return &v
}

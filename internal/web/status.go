package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gnsshal/internal/device"
	"gnsshal/internal/nmea"
	"gnsshal/internal/stream"
)

type ControllerStatus interface {
	Snapshot() device.Snapshot
}

type StreamStatus interface {
	Snapshot() stream.Snapshot
}

type DecoderStatus interface {
	Stats() nmea.Stats
}

// Status gathers what /api/status reports. Any source may be nil.
type Status struct {
	Controller ControllerStatus
	Stream     StreamStatus
	Decoder    DecoderStatus

	startUnixNano atomic.Int64
}

func NewStatus(ctrl ControllerStatus, src StreamStatus, dec DecoderStatus) *Status {
	s := &Status{Controller: ctrl, Stream: src, Decoder: dec}
	s.startUnixNano.Store(time.Now().UTC().UnixNano())
	return s
}

type BuildInfo struct {
	GoVersion  string `json:"go_version"`
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service    string           `json:"service"`
	NowUTC     string           `json:"now_utc"`
	UptimeSec  int64            `json:"uptime_sec"`
	Build      BuildInfo        `json:"build"`
	Controller *device.Snapshot `json:"controller,omitempty"`
	Stream     *stream.Snapshot `json:"stream,omitempty"`
	Decoder    *nmea.Stats      `json:"decoder,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, s.startUnixNano.Load()).UTC()

	snap := StatusSnapshot{
		Service:   "gnsshal",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Build:     readBuildInfo(),
	}
	if s.Controller != nil {
		c := s.Controller.Snapshot()
		snap.Controller = &c
	}
	if s.Stream != nil {
		st := s.Stream.Snapshot()
		snap.Stream = &st
	}
	if s.Decoder != nil {
		d := s.Decoder.Stats()
		snap.Decoder = &d
	}
	return snap
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.ModulePath = bi.Main.Path
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}

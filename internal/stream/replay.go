package stream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gnsshal/internal/eventbus"
)

type ReplayConfig struct {
	Path string
	// Interval between lines. Zero replays as fast as possible.
	Interval time.Duration
	Loop     bool
}

// Replay plays back a recorded NMEA log, one line per batch.
type Replay struct {
	*reader
	cfg ReplayConfig
}

func NewReplay(b *eventbus.Bus, cfg ReplayConfig, logger *slog.Logger) *Replay {
	return &Replay{reader: newReader(b, "replay", logger), cfg: cfg}
}

func (r *Replay) StartReading() error {
	if r.reading() {
		return nil
	}
	path := strings.TrimSpace(r.cfg.Path)
	if path == "" {
		return fmt.Errorf("replay path is empty")
	}
	// Fail early on a missing file rather than inside the goroutine.
	f, err := os.Open(path)
	if err != nil {
		r.setError(fmt.Sprintf("replay open failed path=%s: %v", path, err))
		return err
	}
	r.connects.Add(1)
	r.start(path, nil, func(ctx context.Context) {
		r.loop(ctx, f)
	})
	return nil
}

func (r *Replay) StopReading() error {
	return r.stop()
}

func (r *Replay) loop(ctx context.Context, f *os.File) {
	for {
		err := r.playFile(ctx, f)
		_ = f.Close()
		if err != nil {
			r.setError(fmt.Sprintf("replay stopped: %v", err))
			return
		}
		if !r.cfg.Loop || ctx.Err() != nil {
			return
		}
		if f, err = os.Open(r.cfg.Path); err != nil {
			r.setError(fmt.Sprintf("replay reopen failed: %v", err))
			return
		}
	}
}

func (r *Replay) playFile(ctx context.Context, f *os.File) error {
	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		r.publish([]byte(line + "\r\n"))
	}
	return sc.Err()
}

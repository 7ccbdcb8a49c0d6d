// Package stream provides the byte sources that feed the decoder: a serial
// receiver, a gpsd NMEA feed and a file replay.
//
// Each source reads on its own goroutine between StartReading and StopReading
// and publishes every batch on its Bytes channel.
package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"gnsshal/internal/eventbus"
)

type Snapshot struct {
	Kind      string `json:"kind"`
	Target    string `json:"target,omitempty"`
	Reading   bool   `json:"reading"`
	BytesRead uint64 `json:"bytes_read"`
	Batches   uint64 `json:"batches"`
	Connects  uint64 `json:"connects,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// reader owns the goroutine lifecycle shared by all sources.
type reader struct {
	kind  string
	bytes *eventbus.Channel[[]byte]
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closer io.Closer
	target string
	wg     sync.WaitGroup

	bytesRead atomic.Uint64
	batches   atomic.Uint64
	connects  atomic.Uint64
	lastErr   atomic.Value // string
}

func newReader(b *eventbus.Bus, kind string, logger *slog.Logger) *reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &reader{
		kind:  kind,
		bytes: eventbus.NewChannel[[]byte](b, "stream."+kind+".bytes"),
		log:   logger.With("component", "stream", "kind", kind),
	}
}

func (r *reader) Bytes() *eventbus.Channel[[]byte] { return r.bytes }

func (r *reader) reading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// start runs fn on a new goroutine. closer, if any, is closed by stop to
// interrupt a blocked read. If already running, closer is closed and nothing
// else happens.
func (r *reader) start(target string, closer io.Closer, fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.closer = closer
	r.target = target

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
	r.log.Info("stream reading", "target", target)
}

func (r *reader) stop() error {
	r.mu.Lock()
	cancel := r.cancel
	closer := r.closer
	r.cancel = nil
	r.closer = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if closer != nil {
		err = closer.Close()
	}
	r.wg.Wait()
	r.log.Info("stream stopped", "bytes_read", r.bytesRead.Load())
	return err
}

// publish hands a copy of p to subscribers; the caller reuses its buffer.
func (r *reader) publish(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := append([]byte(nil), p...)
	r.bytesRead.Add(uint64(len(cp)))
	r.batches.Add(1)
	r.bytes.Publish(cp)
}

func (r *reader) setError(msg string) {
	r.lastErr.Store(msg)
	r.log.Warn(msg)
}

func (r *reader) Snapshot() Snapshot {
	r.mu.Lock()
	target := r.target
	reading := r.cancel != nil
	r.mu.Unlock()
	out := Snapshot{
		Kind:      r.kind,
		Target:    target,
		Reading:   reading,
		BytesRead: r.bytesRead.Load(),
		Batches:   r.batches.Load(),
		Connects:  r.connects.Load(),
	}
	if v, ok := r.lastErr.Load().(string); ok {
		out.LastError = v
	}
	return out
}

package web

import (
	"bytes"
	"net/http"
	"strconv"
	"sync"
)

const defaultLogTail = 200

// LogBuffer is a ring of the most recent log lines, written by the slog
// handler and read by /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{ring: make([]string, maxLines)}
}

// Write stores every complete line of p. A trailing fragment is kept until
// the write that finishes it.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(b.partial[:i], "\r"); len(line) > 0 {
			b.push(string(line))
		}
		b.partial = b.partial[i+1:]
	}
	b.partial = append([]byte(nil), b.partial...)
	return len(p), nil
}

func (b *LogBuffer) push(line string) {
	if b.full {
		b.dropped++
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns up to tail of the newest lines, oldest first, and the
// number of lines that fell out of the ring.
func (b *LogBuffer) Snapshot(tail int) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.ring)
	}
	if tail <= 0 {
		tail = defaultLogTail
	}
	tail = min(tail, n)
	out := make([]string, tail)
	for i := range out {
		out[i] = b.ring[(b.next-tail+i+len(b.ring))%len(b.ring)]
	}
	return out, b.dropped
}

type LogsResponse struct {
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		tail := defaultLogTail
		if s := r.URL.Query().Get("tail"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				http.Error(w, "tail must be a positive integer", http.StatusBadRequest)
				return
			}
			tail = v
		}
		lines, dropped := b.Snapshot(tail)
		writeJSON(w, http.StatusOK, LogsResponse{Dropped: dropped, Lines: lines})
	})
}

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"gnsshal/internal/eventbus"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// GPSD relays the raw NMEA that gpsd passes through from its receiver.
// The connection is re-established with exponential backoff.
type GPSD struct {
	*reader
	addr string

	dial           func(ctx context.Context, addr string) (net.Conn, error)
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func NewGPSD(b *eventbus.Bus, addr string, logger *slog.Logger) *GPSD {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	return &GPSD{
		reader:         newReader(b, "gpsd", logger),
		addr:           addr,
		dial:           dialGPSD,
		backoffInitial: 250 * time.Millisecond,
		backoffMax:     10 * time.Second,
	}
}

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch asks gpsd for pass-through NMEA instead of JSON reports.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"nmea\":true}\n"))
	return err
}

func (g *GPSD) StartReading() error {
	g.start(g.addr, nil, g.loop)
	return nil
}

func (g *GPSD) StopReading() error {
	return g.stop()
}

func (g *GPSD) loop(ctx context.Context) {
	backoff := g.backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := g.dial(ctx, g.addr)
		if err != nil {
			g.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", g.addr, err))
			t := backoff
			if t > g.backoffMax {
				t = g.backoffMax
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t):
			}
			if backoff < g.backoffMax {
				backoff *= 2
			}
			continue
		}

		backoff = g.backoffInitial
		g.connects.Add(1)
		// Let StopReading interrupt the active connection.
		release := context.AfterFunc(ctx, func() { _ = conn.Close() })
		g.session(ctx, conn)
		release()
	}
}

func (g *GPSD) session(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := gpsdWatch(conn); err != nil {
		g.setError(fmt.Sprintf("gpsd watch failed: %v", err))
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			g.publish(buf[:n])
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			g.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			return
		}
	}
}

package platform

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"gnsshal/internal/device"
	"gnsshal/internal/eventbus"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// UDPRelay forwards NMEA sentences to a UDP destination, one datagram each.
type UDPRelay struct {
	dest string
	conn udpConn
	log  *slog.Logger

	mu  sync.Mutex
	sub *eventbus.Subscription

	sent   atomic.Uint64
	errors atomic.Uint64
}

func NewUDPRelay(dest string, logger *slog.Logger) (*UDPRelay, error) {
	return newUDPRelay(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	}, logger)
}

func newUDPRelay(dest string, resolve resolveFunc, dial dialFunc, logger *slog.Logger) (*UDPRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDPRelay{
		dest: dest,
		conn: conn,
		log:  logger.With("component", "udp", "dest", dest),
	}, nil
}

// Attach forwards every event published on ch until Close.
func (u *UDPRelay) Attach(ch *eventbus.Channel[device.NmeaEvent]) {
	sub := ch.Subscribe(func(ev device.NmeaEvent) {
		if err := u.Send([]byte(ev.Message)); err != nil {
			if u.errors.Add(1) == 1 {
				u.log.Warn("udp send failed", "error", err)
			}
		}
	})
	u.mu.Lock()
	old := u.sub
	u.sub = sub
	u.mu.Unlock()
	old.Unsubscribe()
}

// Send writes one sentence, normalising the line ending to CRLF.
func (u *UDPRelay) Send(sentence []byte) error {
	s := strings.TrimRight(string(sentence), "\r\n")
	if s == "" {
		return nil
	}
	if _, err := u.conn.Write([]byte(s + "\r\n")); err != nil {
		return err
	}
	u.sent.Add(1)
	return nil
}

func (u *UDPRelay) Sent() uint64 { return u.sent.Load() }

func (u *UDPRelay) Close() error {
	u.mu.Lock()
	sub := u.sub
	u.sub = nil
	u.mu.Unlock()
	sub.Unsubscribe()
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

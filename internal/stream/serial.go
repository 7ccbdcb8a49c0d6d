package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gnsshal/internal/eventbus"
)

// SerialConfig selects the receiver port.
//
// Device may be empty to auto-detect the first /dev/ttyACM* or /dev/ttyUSB*.
// Baud defaults to 9600.
type SerialConfig struct {
	Device string
	Baud   int
}

// Serial reads a receiver attached to a serial port.
type Serial struct {
	*reader
	cfg SerialConfig

	open func(path string, baud int) (io.ReadWriteCloser, error)
}

func NewSerial(b *eventbus.Bus, cfg SerialConfig, logger *slog.Logger) *Serial {
	return &Serial{reader: newReader(b, "serial", logger), cfg: cfg, open: openSerial}
}

func (s *Serial) StartReading() error {
	if s.reading() {
		return nil
	}

	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setError("serial auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("serial auto-detect failed")
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	port, err := s.open(device, baud)
	if err != nil {
		s.setError(fmt.Sprintf("serial open failed device=%s baud=%d: %v", device, baud, err))
		return fmt.Errorf("open %s: %w", device, err)
	}
	s.connects.Add(1)
	s.start(fmt.Sprintf("%s@%d", device, baud), port, func(ctx context.Context) {
		s.loop(ctx, port)
	})
	return nil
}

func (s *Serial) StopReading() error {
	return s.stop()
}

func (s *Serial) loop(ctx context.Context, port io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			s.publish(buf[:n])
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		// The port is opened with a read timeout; an empty read surfaces as EOF.
		if errors.Is(err, io.EOF) {
			continue
		}
		s.setError(fmt.Sprintf("serial read stopped: %v", err))
		return
	}
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

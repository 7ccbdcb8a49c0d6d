// Package host adapts the Linux host to the controller: it holds the system
// wake-lock while the receiver runs, optionally powers the receiver through a
// GPIO line, and answers time requests.
package host

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"gnsshal/internal/device"
	"gnsshal/internal/fix"
	"gnsshal/internal/timeutil"
)

var ErrWakelockNotHeld = errors.New("host: wakelock not held")

type Config struct {
	// WakelockName is written to the sysfs wake-lock files. Defaults to "gnsshal".
	WakelockName string
	// TimeUncertaintyMS is reported with every time injection.
	TimeUncertaintyMS int
	// PowerPin is the BCM GPIO driving the receiver enable pin; 0 disables it.
	PowerPin int
	// SysfsDir holds wake_lock and wake_unlock. Defaults to /sys/power.
	SysfsDir string
}

// powerLine is the receiver enable output.
type powerLine interface {
	SetValue(v int) error
	Close() error
}

// Host implements device.Host.
type Host struct {
	log *slog.Logger
	sig *device.Signals
	cfg Config

	lockPath   string
	unlockPath string
	clk        clock.Clock
	started    time.Time
	openPower  func(pin int) (powerLine, error)

	mu       sync.Mutex
	held     int
	inMemory bool
	power    powerLine
}

func New(sig *device.Signals, cfg Config, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.WakelockName = strings.TrimSpace(cfg.WakelockName)
	if cfg.WakelockName == "" {
		cfg.WakelockName = "gnsshal"
	}
	if cfg.SysfsDir == "" {
		cfg.SysfsDir = "/sys/power"
	}
	clk := clock.New()
	return &Host{
		log:        logger.With("component", "host"),
		sig:        sig,
		cfg:        cfg,
		lockPath:   filepath.Join(cfg.SysfsDir, "wake_lock"),
		unlockPath: filepath.Join(cfg.SysfsDir, "wake_unlock"),
		clk:        clk,
		started:    clk.Now(),
		openPower:  openPowerLine,
	}
}

// AcquireWakelock takes the wake-lock on the first acquire and powers the
// receiver. Nested acquires only count.
func (h *Host) AcquireWakelock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held > 0 {
		h.held++
		return nil
	}

	if err := h.writeSysfs(h.lockPath); err != nil {
		return fmt.Errorf("acquire wakelock %q: %w", h.cfg.WakelockName, err)
	}
	if err := h.powerOn(); err != nil {
		_ = h.writeSysfs(h.unlockPath)
		return err
	}
	h.held = 1
	h.log.Info("wakelock acquired", "name", h.cfg.WakelockName, "sysfs", !h.inMemory)
	return nil
}

func (h *Host) ReleaseWakelock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held == 0 {
		return ErrWakelockNotHeld
	}
	h.held--
	if h.held > 0 {
		return nil
	}

	var errs []error
	if h.power != nil {
		if err := h.power.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("power off: %w", err))
		}
	}
	if err := h.writeSysfs(h.unlockPath); err != nil {
		errs = append(errs, fmt.Errorf("release wakelock %q: %w", h.cfg.WakelockName, err))
	}
	h.log.Info("wakelock released", "name", h.cfg.WakelockName)
	return errors.Join(errs...)
}

// Held reports the current wake-lock reference count.
func (h *Host) Held() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// RequestUTCTime injects the system clock.
func (h *Host) RequestUTCTime() {
	if h.sig == nil {
		return
	}
	now := h.clk.Now()
	h.sig.InjectTime.Publish(timeutil.Injection{
		Time:        fix.FromTime(now),
		Reference:   now.Sub(h.started).Milliseconds(),
		Uncertainty: h.cfg.TimeUncertaintyMS,
	})
}

// Close drops the receiver power line. The wake-lock is left to its owner.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.power == nil {
		return nil
	}
	_ = h.power.SetValue(0)
	err := h.power.Close()
	h.power = nil
	return err
}

func (h *Host) powerOn() error {
	if h.cfg.PowerPin <= 0 {
		return nil
	}
	if h.power == nil {
		line, err := h.openPower(h.cfg.PowerPin)
		if err != nil {
			return fmt.Errorf("open power gpio %d: %w", h.cfg.PowerPin, err)
		}
		h.power = line
	}
	if err := h.power.SetValue(1); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return nil
}

// writeSysfs writes the lock name to path. Hosts without the wake-lock
// interface fall back to counting in memory.
func (h *Host) writeSysfs(path string) error {
	if h.inMemory {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.inMemory = true
			h.log.Warn("sysfs wakelock unavailable; tracking in memory", "path", path)
			return nil
		}
		return err
	}
	_, werr := f.WriteString(h.cfg.WakelockName)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Package monitor keeps the upload directory tree healthy: a periodic tick
// recreates missing well-known folders, probes their writability, and watches
// free space on the hosting volume.
package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"plyline/services/intake/internal/metrics"
	"plyline/services/intake/internal/storage"
)

const (
	defaultInterval = 5 * time.Minute
	probeFileName   = ".plyline-probe"
)

// Config controls the check schedule and the capacity threshold.
type Config struct {
	Root         string
	Interval     time.Duration
	MinFreeBytes uint64
}

// Monitor runs the periodic health checks. Every check is isolated: one
// failing probe is logged and the tick carries on, and the loop itself only
// ends with the context.
type Monitor struct {
	cfg    Config
	logger *log.Logger
}

// New creates a monitor for the configured upload root.
func New(cfg Config, logger *log.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled. The first check runs immediately so a
// freshly started service heals its tree before accepting uploads.
func (m *Monitor) Run(ctx context.Context) {
	m.check()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.checkDirectories()
	m.checkCapacity()
}

func (m *Monitor) checkDirectories() {
	dirs := []string{m.cfg.Root}
	for _, kind := range storage.WellKnownKinds {
		dirs = append(dirs, filepath.Join(m.cfg.Root, string(kind)))
	}

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			m.logger.Printf("ERROR %s exists but is not a directory", dir)
			continue
		case !os.IsNotExist(err):
			m.logger.Printf("ERROR stat %s: %v", dir, err)
			continue
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Printf("ERROR recreate %s: %v", dir, err)
			continue
		}
		m.logger.Printf("WARN recreated missing upload directory %s", dir)

		if err := probe(dir); err != nil {
			m.logger.Printf("ERROR write probe in %s: %v", dir, err)
		}
	}
}

func (m *Monitor) checkCapacity() {
	free, err := freeBytes(m.cfg.Root)
	if err != nil {
		m.logger.Printf("ERROR read free space for %s: %v", m.cfg.Root, err)
		return
	}

	metrics.FreeDiskBytes.Set(float64(free))
	m.logger.Printf("INFO upload volume free space %d bytes", free)

	minFree := m.cfg.MinFreeBytes
	switch {
	case minFree > 0 && free < minFree:
		m.logger.Printf("ERROR free space %d bytes below minimum %d on upload volume", free, minFree)
	case minFree > 0 && free < 2*minFree:
		m.logger.Printf("WARN free space %d bytes approaching minimum %d on upload volume", free, minFree)
	}
}

// probe confirms the directory is actually writable, not just present.
func probe(dir string) error {
	path := filepath.Join(dir, probeFileName)
	if err := os.WriteFile(path, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}

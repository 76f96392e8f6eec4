package sweep

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
)

// Uploader re-submits an orphaned capture artifact.
type Uploader interface {
	Upload(ctx context.Context, localPath, sessionID, mac, logicalName string)
}

// Config holds sweeper settings.
type Config struct {
	// Dir is the capture output directory to sweep.
	Dir string
	// Interval is the time between sweeps.
	Interval time.Duration
	// StableAge is how old a file must be before it is considered
	// abandoned rather than still being written.
	StableAge time.Duration
}

// Sweeper finds capture files left in the output directory with no
// live capture writing them, typically after a crash, and hands them
// to the uploader. Each file is handed over at most once per process
// lifetime; the uploader records the artifact URL on success.
type Sweeper struct {
	cfg      Config
	uploader Uploader
	live     func(sessionID, mac string) bool
	seen     map[string]bool
	log      *logger.Logger
}

// New creates a sweeper. live reports whether a (session, mac) capture
// is still running and must not be touched.
func New(cfg Config, uploader Uploader, live func(sessionID, mac string) bool) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StableAge <= 0 {
		cfg.StableAge = time.Minute
	}
	return &Sweeper{
		cfg:      cfg,
		uploader: uploader,
		live:     live,
		seen:     make(map[string]bool),
		log:      logger.GetLogger(),
	}
}

// Run sweeps immediately, then on every interval until the context is
// canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep scans the output directory once and returns how many orphaned
// artifacts were handed to the uploader.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.log.Warn("[sweep] Failed to read %s: %v", s.cfg.Dir, err)
		return 0
	}

	handed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pcap") {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if s.seen[path] {
			continue
		}

		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < s.cfg.StableAge {
			continue
		}

		logicalName, mac, sessionID, ok := parseArtifactName(entry.Name())
		if !ok {
			s.log.Debug("[sweep] Skipping unrecognized file %s", entry.Name())
			continue
		}
		if s.live(sessionID, mac) {
			continue
		}

		s.log.Info("[sweep] Found orphaned artifact %s, uploading", entry.Name())
		s.seen[path] = true
		s.uploader.Upload(ctx, path, sessionID, mac, logicalName)
		handed++
	}
	return handed
}

// parseArtifactName splits {logicalName}_{mac}_{sessionID}.pcap. The
// logical name may itself contain underscores, so parsing works from
// the right.
func parseArtifactName(name string) (logicalName, mac, sessionID string, ok bool) {
	base := strings.TrimSuffix(name, ".pcap")
	if base == name {
		return "", "", "", false
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return "", "", "", false
	}
	sessionID = parts[len(parts)-1]
	mac = parts[len(parts)-2]
	logicalName = strings.Join(parts[:len(parts)-2], "_")
	if logicalName == "" || sessionID == "" {
		return "", "", "", false
	}
	if _, err := net.ParseMAC(mac); err != nil {
		return "", "", "", false
	}
	return logicalName, mac, sessionID, true
}

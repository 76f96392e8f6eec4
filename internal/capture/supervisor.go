package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
	"github.com/brendaschussler/scaniot-capture/internal/notify"
	"github.com/brendaschussler/scaniot-capture/internal/shell"
	"github.com/brendaschussler/scaniot-capture/internal/store"
	"github.com/brendaschussler/scaniot-capture/internal/upload"
)

// ErrInvalidTarget rejects non-positive packet counts and durations.
var ErrInvalidTarget = errors.New("capture target must be positive")

// ErrLimitExceeded rejects targets over the administrative maximum.
var ErrLimitExceeded = errors.New("capture target exceeds administrative limit")

// tcpdump -v reports live progress on stderr as "Got N" lines and the
// final tally as "N packets captured".
var (
	progressRegexp   = regexp.MustCompile(`Got (\d+)`)
	completionRegexp = regexp.MustCompile(`(\d+) packets? captured`)
)

// Uploader is the supervisor's view of the artifact uploader.
type Uploader interface {
	Upload(ctx context.Context, localPath, sessionID, mac, logicalName string)
}

// Config holds supervisor settings.
type Config struct {
	// OutputDir is where capture files are written.
	OutputDir string
	// Interface overrides interface auto-detection when set.
	Interface string
	// MaxPacketCount caps count-mode targets.
	MaxPacketCount int
	// MaxDuration caps time-mode targets.
	MaxDuration time.Duration
}

// Supervisor runs one bounded capture process per (session, device)
// pair, translates tcpdump's live output into progress events, and
// guarantees each capture's terminal transition happens exactly once.
type Supervisor struct {
	cfg      Config
	runner   shell.Runner
	notifier *notify.Notifier
	uploader Uploader
	registry *Registry

	// tick is the supervisory interval for time-bounded captures.
	tick time.Duration

	log *logger.Logger
	wg  sync.WaitGroup
}

// NewSupervisor creates a supervisor. registry is injected so the
// facade can observe live captures.
func NewSupervisor(cfg Config, runner shell.Runner, notifier *notify.Notifier, uploader Uploader, registry *Registry) *Supervisor {
	if cfg.MaxPacketCount <= 0 {
		cfg.MaxPacketCount = 1000000
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 12 * time.Hour
	}
	return &Supervisor{
		cfg:      cfg,
		runner:   runner,
		notifier: notifier,
		uploader: uploader,
		registry: registry,
		tick:     time.Second,
		log:      logger.GetLogger(),
	}
}

// ValidateCountTarget checks a packet-count target against the
// administrative limits without starting anything.
func (s *Supervisor) ValidateCountTarget(packetCount int) error {
	if packetCount <= 0 {
		return ErrInvalidTarget
	}
	if packetCount > s.cfg.MaxPacketCount {
		return fmt.Errorf("%w: %d packets (max %d)", ErrLimitExceeded, packetCount, s.cfg.MaxPacketCount)
	}
	return nil
}

// ValidateTimeTarget checks a duration target against the
// administrative limits without starting anything.
func (s *Supervisor) ValidateTimeTarget(duration time.Duration) error {
	if duration <= 0 {
		return ErrInvalidTarget
	}
	if duration > s.cfg.MaxDuration {
		return fmt.Errorf("%w: %s (max %s)", ErrLimitExceeded, duration, s.cfg.MaxDuration)
	}
	return nil
}

// StartCountCapture spawns one packet-count-bounded capture per
// device. The batch fails atomically before any process is spawned
// when the target is invalid or the interface cannot be resolved.
func (s *Supervisor) StartCountCapture(ctx context.Context, sessionID string, macs []string, packetCount int, logicalName string) error {
	if err := s.ValidateCountTarget(packetCount); err != nil {
		return err
	}

	iface, err := s.captureInterface(ctx)
	if err != nil {
		return err
	}

	for _, m := range macs {
		mac := store.NormalizeMAC(m)
		capCtx, cancel := context.WithCancel(context.Background())
		if !s.registry.Put(sessionID, mac, &handle{cancel: cancel}) {
			cancel()
			s.log.Warn("[capture] Capture already live for %s/%s, skipping", sessionID, mac)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			s.runCountCapture(capCtx, sessionID, mac, packetCount, logicalName, iface)
		}()
	}
	return nil
}

// StartTimeCapture spawns one time-bounded capture per device. Each
// process is externally time-boxed by the timeout helper while the
// supervisory loop ticks once per second and forces the terminal
// state when the limit is reached, whether or not the process exited.
func (s *Supervisor) StartTimeCapture(ctx context.Context, sessionID string, macs []string, duration time.Duration, logicalName string) error {
	if err := s.ValidateTimeTarget(duration); err != nil {
		return err
	}

	totalSecs := int(duration / time.Second)
	if totalSecs == 0 {
		totalSecs = 1
	}

	iface, err := s.captureInterface(ctx)
	if err != nil {
		return err
	}

	for _, m := range macs {
		mac := store.NormalizeMAC(m)
		capCtx, cancel := context.WithCancel(context.Background())
		if !s.registry.Put(sessionID, mac, &handle{cancel: cancel}) {
			cancel()
			s.log.Warn("[capture] Capture already live for %s/%s, skipping", sessionID, mac)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			s.runTimeCapture(capCtx, sessionID, mac, totalSecs, logicalName, iface)
		}()
	}
	return nil
}

// Stop requests cooperative termination of one device's capture. The
// kill signature carries both the MAC and the session id (via the
// output filename) so captures of the same device in other sessions
// are untouched. Stopping an already-terminal capture is a no-op.
func (s *Supervisor) Stop(ctx context.Context, sessionID, mac string) error {
	mac = store.NormalizeMAC(mac)
	h, ok := s.registry.Get(sessionID, mac)
	if !ok {
		return nil
	}

	signature := fmt.Sprintf("tcpdump.*%s_%s", mac, sessionID)
	if _, err := s.runner.Run(ctx, fmt.Sprintf("pkill -2 -f %q", signature)); err != nil {
		// The process may already be gone; the cancel below settles it.
		s.log.Warn("[capture] pkill for %s/%s: %v", sessionID, mac, err)
	}
	h.cancel()
	return nil
}

// StopSession stops every live capture of a session.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) {
	for _, mac := range s.registry.SessionMACs(sessionID) {
		if err := s.Stop(ctx, sessionID, mac); err != nil {
			s.log.Warn("[capture] Failed to stop %s/%s: %v", sessionID, mac, err)
		}
	}
}

// Wait blocks until every supervisory goroutine has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) captureInterface(ctx context.Context) (string, error) {
	if s.cfg.Interface != "" {
		return s.cfg.Interface, nil
	}
	return DetectInterface(ctx, s.runner)
}

func (s *Supervisor) runCountCapture(ctx context.Context, sessionID, mac string, packetCount int, logicalName, iface string) {
	localPath := filepath.Join(s.cfg.OutputDir, upload.ArtifactFileName(logicalName, mac, sessionID))
	cmdline := fmt.Sprintf("tcpdump -i %s ether host %s -s 0 -c %d -v -w %s",
		iface, mac, packetCount, localPath)

	proc, err := s.runner.Start(ctx, cmdline)
	if err != nil {
		s.log.Error("[capture] Failed to spawn tcpdump for %s/%s: %v", sessionID, mac, err)
		s.finalize(sessionID, mac, 0, packetCount, logicalName, localPath, false)
		return
	}

	tracker := newMilestoneTracker(packetCount)
	last := 0
	completed := false

	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()

		if m := progressRegexp.FindStringSubmatch(line); m != nil {
			count, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			progress := count
			if progress > packetCount {
				progress = packetCount
			}
			if progress < last {
				continue
			}
			last = progress
			ev := notify.ProgressEvent{
				SessionID: sessionID,
				DeviceMAC: mac,
				Progress:  progress,
				Total:     packetCount,
				Timestamp: time.Now(),
				Filename:  logicalName,
			}
			if tracker.crossed(count) {
				s.notifier.Persist(ev)
			} else {
				s.notifier.Notify(ev)
			}
		}

		if m := completionRegexp.FindStringSubmatch(line); m != nil {
			if captured, err := strconv.Atoi(m[1]); err == nil && captured >= packetCount {
				completed = true
			}
		}
	}

	if err := proc.Wait(); err != nil && ctx.Err() == nil && !completed {
		s.log.Error("[capture] tcpdump exited abnormally for %s/%s: %v", sessionID, mac, err)
	}

	if completed {
		last = packetCount
	}
	s.finalize(sessionID, mac, last, packetCount, logicalName, localPath, true)
}

func (s *Supervisor) runTimeCapture(ctx context.Context, sessionID, mac string, totalSecs int, logicalName, iface string) {
	localPath := filepath.Join(s.cfg.OutputDir, upload.ArtifactFileName(logicalName, mac, sessionID))
	cmdline := fmt.Sprintf("timeout %ds tcpdump -i %s ether host %s -s 0 -v -w %s",
		totalSecs, iface, mac, localPath)

	proc, err := s.runner.Start(ctx, cmdline)
	if err != nil {
		s.log.Error("[capture] Failed to spawn tcpdump for %s/%s: %v", sessionID, mac, err)
		s.finalize(sessionID, mac, 0, totalSecs, logicalName, localPath, false)
		return
	}

	// Drain stderr so tcpdump never blocks on a full pipe.
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()

	tracker := newMilestoneTracker(totalSecs)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	elapsed := 0
	for elapsed < totalSecs {
		select {
		case <-ctx.Done():
			s.finalize(sessionID, mac, elapsed, totalSecs, logicalName, localPath, true)
			return
		case <-ticker.C:
			elapsed++
		}
		ev := notify.ProgressEvent{
			SessionID: sessionID,
			DeviceMAC: mac,
			Progress:  elapsed,
			Total:     totalSecs,
			Timestamp: time.Now(),
			Filename:  logicalName,
		}
		if tracker.crossed(elapsed) {
			s.notifier.Persist(ev)
		} else {
			s.notifier.Notify(ev)
		}
	}

	// Limit reached. The timeout helper should have ended the process;
	// kill it anyway so a hung tcpdump cannot outlive its capture.
	if err := proc.Kill(); err != nil {
		s.log.Debug("[capture] Kill after time limit for %s/%s: %v", sessionID, mac, err)
	}
	s.finalize(sessionID, mac, totalSecs, totalSecs, logicalName, localPath, true)

	// Reap off the supervisory path to keep its lifetime bounded.
	go func() { _ = proc.Wait() }()
}

// finalize is the single terminal transition: remove the registry
// entry exactly once, enqueue the final store write behind any earlier
// progress writes, and hand the artifact to the uploader.
func (s *Supervisor) finalize(sessionID, mac string, progress, total int, logicalName, localPath string, uploadArtifact bool) {
	if !s.registry.Remove(sessionID, mac) {
		return
	}

	s.notifier.PersistTerminal(notify.ProgressEvent{
		SessionID: sessionID,
		DeviceMAC: mac,
		Progress:  progress,
		Total:     total,
		Timestamp: time.Now(),
		Filename:  logicalName,
	})

	s.log.Info("[capture] Capture ended for %s/%s at %d/%d", sessionID, mac, progress, total)

	if uploadArtifact && s.uploader != nil {
		if stats, err := InspectArtifact(localPath); err == nil {
			s.log.Debug("[capture] Artifact %s: %s", localPath, stats)
		}
		s.uploader.Upload(context.Background(), localPath, sessionID, mac, logicalName)
	}
}

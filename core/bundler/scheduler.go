package bundler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/silius-go/silius/core/events"
)

// Mode selects how bundle construction is triggered.
type Mode string

const (
	// ModeAuto bundles on new block heads, at most once per interval.
	ModeAuto Mode = "auto"
	// ModeManual bundles only on explicit debug_bundler_sendBundleNow
	// requests.
	ModeManual Mode = "manual"
)

// Scheduler drives the bundler: in auto mode every new block head may
// trigger a build, with at most one build in flight and new triggers
// coalesced.
type Scheduler struct {
	bundler  *Bundler
	bus      *events.Bus
	interval time.Duration
	logger   *zap.SugaredLogger

	building atomic.Bool

	mu         sync.Mutex
	mode       Mode
	lastBundle time.Time
}

func NewScheduler(b *Bundler, bus *events.Bus, mode Mode, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if mode == "" {
		mode = ModeAuto
	}
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{
		bundler:  b,
		bus:      bus,
		interval: interval,
		logger:   logger,
		mode:     mode,
	}
}

// Run consumes block events until the context is cancelled. A ticker
// backs up the block feed so bundling continues when heads stall.
func (s *Scheduler) Run(ctx context.Context) {
	blocks := s.bus.SubscribeNewBlock()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-blocks:
			s.maybeBundle(ctx)
		case <-ticker.C:
			s.maybeBundle(ctx)
		}
	}
}

func (s *Scheduler) maybeBundle(ctx context.Context) {
	s.mu.Lock()
	auto := s.mode == ModeAuto
	due := time.Since(s.lastBundle) >= s.interval
	s.mu.Unlock()
	if !auto || !due {
		return
	}
	if _, err := s.runOnce(ctx); err != nil {
		s.logger.Errorw("bundle cycle failed", "err", err)
	}
}

// SendBundleNow triggers exactly one build regardless of mode; the
// debug API uses it.
func (s *Scheduler) SendBundleNow(ctx context.Context) (common.Hash, error) {
	return s.runOnce(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) (common.Hash, error) {
	if !s.building.CompareAndSwap(false, true) {
		// a build is already in flight; this trigger is absorbed by it
		return common.Hash{}, nil
	}
	defer s.building.Store(false)

	hash, err := s.bundler.SendBundle(ctx)
	s.mu.Lock()
	s.lastBundle = time.Now()
	s.mu.Unlock()
	return hash, err
}

// SetMode switches between auto and manual bundling.
func (s *Scheduler) SetMode(mode Mode) error {
	if mode != ModeAuto && mode != ModeManual {
		return fmt.Errorf("unknown bundling mode %q", mode)
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

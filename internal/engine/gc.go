package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arkreview/arkreview/internal/store"
	"github.com/arkreview/arkreview/pkg/logger"
)

// GC periodically sweeps expired job/task rows from the broker store.
type GC struct {
	store    store.BrokerStore
	cron     *cron.Cron
	interval time.Duration
	entryID  cron.EntryID
	mu       sync.RWMutex
}

// NewGC builds a GC sweeping s every interval.
func NewGC(s store.BrokerStore, interval time.Duration) *GC {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GC{store: s, cron: cron.New(), interval: interval}
}

// Start schedules the sweep and runs one pass immediately.
func (g *GC) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	entryID, err := g.cron.AddFunc(fmt.Sprintf("@every %s", g.interval), g.sweep)
	if err != nil {
		logger.Error("failed to schedule broker gc", zap.Error(err))
		return err
	}
	g.entryID = entryID
	g.cron.Start()

	logger.Info("broker gc started", zap.Duration("interval", g.interval))
	go g.sweep()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (g *GC) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cron == nil {
		return
	}
	logger.Info("stopping broker gc")
	ctx := g.cron.Stop()
	<-ctx.Done()
}

func (g *GC) sweep() {
	start := time.Now()
	removed, err := g.store.SweepExpired(start)
	if err != nil {
		logger.Error("broker gc sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("broker gc swept expired jobs",
			zap.Int64("removed", removed),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

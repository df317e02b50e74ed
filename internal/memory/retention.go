package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig controls conversation pruning.
type RetentionConfig struct {
	// RetentionDays is how long messages are kept. 0 keeps them forever.
	RetentionDays int

	// PruneSchedule is a standard cron expression, e.g. "0 3 * * *".
	// Empty disables scheduled pruning.
	PruneSchedule string
}

// Pruner deletes old messages from a Store, on demand or on a schedule.
type Pruner struct {
	store Store
	cfg   RetentionConfig
	now   func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPruner creates a pruner for store.
func NewPruner(store Store, cfg RetentionConfig) *Pruner {
	return &Pruner{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		cron:  cron.New(),
	}
}

// Prune deletes messages older than the retention period.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := p.now().AddDate(0, 0, -p.cfg.RetentionDays)
	deleted, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if deleted > 0 {
		log.Printf("[memory] pruned %d messages older than %d days", deleted, p.cfg.RetentionDays)
	}
	return deleted, nil
}

// Start schedules Prune according to PruneSchedule until ctx is done. It
// does nothing when no schedule or retention period is configured.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.PruneSchedule == "" || p.cfg.RetentionDays <= 0 {
		return nil
	}
	if p.running {
		return nil
	}
	if _, err := cron.ParseStandard(p.cfg.PruneSchedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", p.cfg.PruneSchedule, err)
	}
	_, err := p.cron.AddFunc(p.cfg.PruneSchedule, func() {
		if _, err := p.Prune(ctx); err != nil {
			log.Printf("[memory] scheduled prune failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}

	p.cron.Start()
	p.running = true
	log.Printf("[memory] pruning on %q, keeping %d days", p.cfg.PruneSchedule, p.cfg.RetentionDays)

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		<-p.cron.Stop().Done()
		p.running = false
	}
}

// NextRun returns the next scheduled prune, if one is scheduled.
func (p *Pruner) NextRun() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.cron.Entries()
	if !p.running || len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}

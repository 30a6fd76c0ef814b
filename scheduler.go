package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshfoundry/gomesh/store"
)

// Scheduler drives the deadline sweep and the periodic beacon refresh on a
// cron runner. Every tick is self-contained: errors are logged and the next
// tick proceeds — the loop never dies with the engine running.
type Scheduler struct {
	engine *Engine
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func newScheduler(e *Engine) *Scheduler {
	return &Scheduler{engine: e, c: cron.New()}
}

// Start registers the jobs and starts the cron runner. cron's @every
// schedule rounds intervals below one second up to one second and drops
// fractional seconds, so the tick runs on whole seconds only.
func (s *Scheduler) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	interval := time.Duration(s.engine.cfg.SchedulerInterval()) * time.Millisecond
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.engine.Tick(s.ctx)
	}); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if beacon := s.engine.cfg.BeaconIntervalSeconds; beacon > 0 {
		if _, err := s.c.AddFunc(fmt.Sprintf("@every %ds", beacon), func() {
			if err := s.engine.refreshBeacon(s.ctx); err != nil {
				s.engine.log.Warn("beacon refresh failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	s.c.Start()
	return nil
}

// Stop halts the runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.c.Stop().Done()
}

// Tick runs one deadline sweep: first try to select a winner for every due
// intent the local agent created, then expire whatever is still pending
// past its deadline. Selection runs before expiry so an intent reaching its
// deadline with offers is decided, not discarded. Both paths share the
// atomic accept with offer-time selection, so a concurrent tool-path accept
// simply wins or loses the same race.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	pending, err := e.store.ListIntents(ctx, store.IntentFilter{Status: store.IntentPending})
	if err != nil {
		e.log.Warn("scheduler list failed", "error", err)
		return
	}
	for _, in := range pending {
		if in.Deadline > now || in.FromAddress != e.cfg.Address {
			continue
		}
		accepted, err := e.selectAndAccept(ctx, in)
		if err != nil {
			e.log.Warn("deadline selection failed", "intent", in.ID, "error", err)
			continue
		}
		if accepted {
			e.log.Info("deadline selection complete", "intent", in.ID)
		}
	}

	expired, err := e.store.ExpireIntents(ctx, now)
	if err != nil {
		e.log.Warn("expiry sweep failed", "error", err)
		return
	}
	for _, in := range expired {
		e.log.Info("intent expired", "intent", in.ID, "deadline", in.Deadline)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reversalpro/broker/internal/cache"
	"github.com/reversalpro/broker/internal/logging"
)

// PipelineScheduler wraps a Scheduler with active/standby coordination: only
// the Redis-elected leader instance runs agent cycles, avoiding duplicate
// order placement when the broker runs as more than one replica. Grounded on
// the teacher's internal/autopilot.InstanceControl handover pattern, trimmed
// to a renewed-lease model per internal/cache.LeaderElection's doc comment.
type PipelineScheduler struct {
	scheduler *Scheduler
	leader    *cache.LeaderElection
	cacheSvc  *cache.Service

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPipelineScheduler constructs a PipelineScheduler.
func NewPipelineScheduler(scheduler *Scheduler, leader *cache.LeaderElection, cacheSvc *cache.Service) *PipelineScheduler {
	return &PipelineScheduler{scheduler: scheduler, leader: leader, cacheSvc: cacheSvc, stopChan: make(chan struct{})}
}

// Start begins the leadership-poll loop.
func (p *PipelineScheduler) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("orchestrator: pipeline scheduler already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop halts the leadership-poll loop and, if this instance was leader,
// stops the underlying agent Scheduler too.
func (p *PipelineScheduler) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("orchestrator: pipeline scheduler not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	if p.scheduler.IsRunning() {
		_ = p.scheduler.Stop()
	}
	return nil
}

func (p *PipelineScheduler) run() {
	defer p.wg.Done()
	ctx := context.Background()

	ticker := time.NewTicker(cache.RenewInterval())
	defer ticker.Stop()

	wasLeader := false
	for {
		isLeader := p.leader.TryAcquire(ctx)
		logger := logging.OrchestratorContext("", 0)

		switch {
		case isLeader && !wasLeader:
			logger.Info("acquired pipeline leadership, starting agent scheduler")
			p.logHeartbeatGap(ctx, logger)
			if err := p.scheduler.Start(); err != nil {
				logger.WithError(err).Warn("agent scheduler failed to start")
			}
		case !isLeader && wasLeader:
			logger.Info("lost pipeline leadership, stopping agent scheduler")
			_ = p.scheduler.Stop()
		}
		wasLeader = isLeader

		if isLeader {
			p.cacheSvc.SetHeartbeat(ctx, time.Now())
		}

		select {
		case <-ticker.C:
		case <-p.stopChan:
			return
		}
	}
}

// logHeartbeatGap warns when the previous leader's last recorded sweep is
// older than a couple of renewal intervals, which means either a clean
// failover happened or the pipeline sat idle for a while. Either way, no
// special backdated replay is needed: the next sweep's REST fetch pulls
// whatever candle history internal/fetch.RESTFetcher's limit window covers,
// so the gap self-heals on the first sweep after leadership is regained.
func (p *PipelineScheduler) logHeartbeatGap(ctx context.Context, logger *logging.Logger) {
	last, ok := p.cacheSvc.LastHeartbeat(ctx)
	if !ok {
		return
	}
	if gap := time.Since(last); gap > cache.RenewInterval()*2 {
		logger.WithField("gap_seconds", gap.Seconds()).Warn("pipeline resuming after a gap since the last recorded sweep")
	}
}

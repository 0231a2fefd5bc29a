package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reversalpro/broker/internal/logging"
	"github.com/reversalpro/broker/internal/store"
)

// SchedulerStore is the subset of internal/store.Store the sweep needs to
// discover which agents to run.
type SchedulerStore interface {
	ActiveAgents(ctx context.Context) ([]store.Agent, error)
}

// Scheduler runs every active agent's cycle on a fixed interval, isolating
// agents from each other with bounded concurrency and per-agent panic
// recovery, grounded on the teacher's internal/settlement.Scheduler
// run-loop (ticker + stopChan + WaitGroup + semaphore).
type Scheduler struct {
	agent         *Agent
	store         SchedulerStore
	interval      time.Duration
	maxConcurrent int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler constructs a Scheduler. maxConcurrent <= 0 defaults to 10.
func NewScheduler(agent *Agent, s SchedulerStore, interval time.Duration, maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Scheduler{agent: agent, store: s, interval: interval, maxConcurrent: maxConcurrent, stopChan: make(chan struct{})}
}

// Start begins the sweep loop, running once immediately and then every
// interval until Stop is called.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the sweep loop and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator: scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	return nil
}

// IsRunning reports whether the sweep loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

// sweep loads every active agent and runs its cycle with bounded
// concurrency. A single agent's panic or error never stops the sweep from
// processing the rest -- spec.md's cross-agent isolation requirement.
func (s *Scheduler) sweep() {
	ctx := context.Background()

	agents, err := s.store.ActiveAgents(ctx)
	if err != nil {
		logging.OrchestratorContext(logging.GenerateTraceID(), 0).WithError(err).Error("failed to load active agents")
		return
	}
	logger := logging.OrchestratorContext(logging.GenerateTraceID(), len(agents))

	semaphore := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	for _, ag := range agents {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(agentID int64) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("agent_id", agentID).WithField("panic", fmt.Sprintf("%v", r)).Error("agent cycle panicked")
				}
			}()

			cycleCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			if err := s.agent.RunCycle(cycleCtx, agentID); err != nil {
				logger.WithField("agent_id", agentID).WithError(err).Warn("agent cycle failed")
			}
		}(ag.ID)
	}
	wg.Wait()
}

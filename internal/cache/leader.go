package cache

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "broker:pipeline:leader"
	// leaderTTL must exceed one renewal interval by a comfortable margin so a
	// slow GC pause doesn't cost the instance its lease.
	leaderTTL      = 30 * time.Second
	renewInterval  = 10 * time.Second
)

// LeaderElection is a trimmed-down version of the teacher's
// internal/autopilot.InstanceControl: this system runs the pipeline
// scheduler on exactly one instance at a time via a renewed Redis lease,
// with no graceful pub/sub handover since a dead leader's lease simply
// expires and any standby can claim it on its next poll.
type LeaderElection struct {
	svc        *Service
	instanceID string
	isLeader   bool
}

// NewLeaderElection constructs a LeaderElection for this process. instanceID
// defaults to the hostname when empty.
func NewLeaderElection(svc *Service, instanceID string) *LeaderElection {
	if instanceID == "" {
		if h, err := os.Hostname(); err == nil {
			instanceID = h
		} else {
			instanceID = "unknown"
		}
	}
	return &LeaderElection{svc: svc, instanceID: instanceID}
}

// TryAcquire claims or renews leadership. When Redis is unavailable it fails
// open (treats this instance as leader) so a single-instance deployment
// without Redis still runs its pipeline.
func (le *LeaderElection) TryAcquire(ctx context.Context) bool {
	if le.svc.unavailable() {
		le.isLeader = true
		return true
	}

	if le.isLeader {
		// Renew via a Lua-free compare-then-expire: only extend if we still
		// hold it, so a lease that already rolled over to another instance
		// isn't silently reclaimed out from under it.
		val, err := le.svc.client.Get(ctx, leaderKey).Result()
		if err == nil && val == le.instanceID {
			le.svc.client.Expire(ctx, leaderKey, leaderTTL)
			return true
		}
		le.isLeader = false
	}

	ok, err := le.svc.client.SetNX(ctx, leaderKey, le.instanceID, leaderTTL).Result()
	if err != nil && err != redis.Nil {
		le.svc.logger.Warn().Err(err).Msg("leader election check failed")
		return false
	}
	le.isLeader = ok
	if ok {
		le.svc.logger.Info().Str("instance", le.instanceID).Msg("acquired pipeline leadership")
	}
	return ok
}

// IsLeader reports the last-known leadership state without touching Redis.
func (le *LeaderElection) IsLeader() bool {
	return le.isLeader
}

// RenewInterval is how often the pipeline scheduler should call TryAcquire.
func RenewInterval() time.Duration {
	return renewInterval
}

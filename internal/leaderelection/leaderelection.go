// Package leaderelection gates the Background Task Manager (spec §4.J) so
// that only one control-plane replica runs the periodic reconciliation and
// cleanup loops. Narrowed from the teacher's
// agents/docker-agent/internal/leaderelection package (which supports
// file/redis/swarm backends) to Redis only, since Redis is already wired
// for caching in this control plane and every deployment topology the
// spec targets has one available.
package leaderelection

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace/sandboxd/internal/logger"
)

// Config configures the elector.
type Config struct {
	Client        *redis.Client
	KeyPrefix     string
	InstanceID    string // defaults to hostname
	LeaseDuration time.Duration // default 15s
	RenewDeadline time.Duration // default 10s, must be < LeaseDuration
	RetryPeriod   time.Duration // default 2s
}

// Elector runs a Redis SET-NX-with-TTL leader election, calling back on
// leadership transitions.
type Elector struct {
	client     *redis.Client
	lockKey    string
	instanceID string

	leaseDuration time.Duration
	renewDeadline time.Duration
	retryPeriod   time.Duration

	mu       sync.RWMutex
	isLeader bool
	stopCh   chan struct{}
}

// New builds an Elector with the teacher's defaults (15s lease, 10s renew,
// 2s retry) applied where unset.
func New(cfg Config) *Elector {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		if h, err := os.Hostname(); err == nil {
			instanceID = h
		} else {
			instanceID = fmt.Sprintf("instance-%d", time.Now().UnixNano())
		}
	}
	lease := cfg.LeaseDuration
	if lease == 0 {
		lease = 15 * time.Second
	}
	renew := cfg.RenewDeadline
	if renew == 0 {
		renew = 10 * time.Second
	}
	retry := cfg.RetryPeriod
	if retry == 0 {
		retry = 2 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sandboxd:leader:"
	}

	return &Elector{
		client:        cfg.Client,
		lockKey:       prefix + "control-plane",
		instanceID:    instanceID,
		leaseDuration: lease,
		renewDeadline: renew,
		retryPeriod:   retry,
		stopCh:        make(chan struct{}),
	}
}

// Run blocks, alternating between trying to acquire leadership and
// renewing it, until ctx is canceled or Stop is called.
func (e *Elector) Run(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	logger.Tasks().Info().Str("instance_id", e.instanceID).Msg("leader election starting")

	ticker := time.NewTicker(e.retryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.releaseIfLeader(context.Background())
			return
		case <-e.stopCh:
			e.releaseIfLeader(context.Background())
			return
		case <-ticker.C:
			e.mu.RLock()
			wasLeader := e.isLeader
			e.mu.RUnlock()

			if wasLeader {
				if err := e.renew(ctx); err != nil {
					e.mu.Lock()
					e.isLeader = false
					e.mu.Unlock()
					logger.Tasks().Warn().Err(err).Msg("lost leadership, failed to renew lease")
					ticker.Reset(e.retryPeriod)
					if onLoseLeadership != nil {
						onLoseLeadership()
					}
				}
				continue
			}

			acquired, err := e.tryAcquire(ctx)
			if err != nil {
				logger.Tasks().Error().Err(err).Msg("leadership acquire attempt failed")
				continue
			}
			if acquired {
				e.mu.Lock()
				e.isLeader = true
				e.mu.Unlock()
				logger.Tasks().Info().Str("instance_id", e.instanceID).Msg("became leader")
				ticker.Reset(e.renewDeadline)
				if onBecomeLeader != nil {
					onBecomeLeader()
				}
			}
		}
	}
}

// Stop ends the election loop, releasing leadership if held.
func (e *Elector) Stop() {
	close(e.stopCh)
}

// IsLeader reports whether this instance currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.lockKey, e.instanceID, e.leaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// renewScript atomically renews the lease only if this instance still
// holds it (grounded verbatim on redis_backend.go's Renew Lua script).
const renewScript = `
local key = KEYS[1]
local instanceID = ARGV[1]
local ttl = ARGV[2]
local currentValue = redis.call('GET', key)
if currentValue == instanceID then
	redis.call('EXPIRE', key, ttl)
	return 1
else
	return 0
end
`

func (e *Elector) renew(ctx context.Context) error {
	script := redis.NewScript(renewScript)
	result, err := script.Run(ctx, e.client, []string{e.lockKey}, e.instanceID, int(e.leaseDuration.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	renewed, ok := result.(int64)
	if !ok || renewed != 1 {
		return fmt.Errorf("not the current leader")
	}
	return nil
}

const releaseScript = `
local key = KEYS[1]
local instanceID = ARGV[1]
local currentValue = redis.call('GET', key)
if currentValue == instanceID then
	redis.call('DEL', key)
	return 1
else
	return 0
end
`

func (e *Elector) releaseIfLeader(ctx context.Context) {
	e.mu.RLock()
	isLeader := e.isLeader
	e.mu.RUnlock()
	if !isLeader {
		return
	}

	script := redis.NewScript(releaseScript)
	if _, err := script.Run(ctx, e.client, []string{e.lockKey}, e.instanceID).Result(); err != nil {
		logger.Tasks().Error().Err(err).Msg("failed to release leadership")
	}
	e.mu.Lock()
	e.isLeader = false
	e.mu.Unlock()
}

// Package coordination provides the optional dispatcher lease: when
// multiple processes run the scheduler against the same backing store,
// exactly one of them should own the round-robin cursor and priority
// credit ledger at a time (spec §4.4 supplemental feature). This is a
// plain leader-election lease, not a requirement for correctness of any
// single-process deployment.
package coordination

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/fluxqueue/groupqueue/metrics"
	"github.com/fluxqueue/groupqueue/store"
)

// LeaseMetadata is the JSON value written into the lease key, letting any
// observer identify the current holder without a side channel.
type LeaseMetadata struct {
	OwnerID   string    `json:"owner_id"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderElector runs the acquire/renew loop for a single named lease.
type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	lockKey     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	transitions  int64

	onElected func(context.Context)
	onLost    func()

	cancel context.CancelFunc
}

// LeaderState is a point-in-time snapshot of the elector's status.
type LeaderState struct {
	IsLeader     bool
	CurrentEpoch int64
	Transitions  int64
	NodeID       string
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// FencedContext returns a context valid only while this node holds the
// lease; it is cancelled the instant leadership is lost.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

// GetEpochFromContext extracts the fencing epoch stamped by becomeLeader.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(fencingEpochKey)
	if val == nil {
		return 0, false
	}
	epoch, ok := val.(int64)
	return epoch, ok
}

// GetState returns a snapshot of the elector's current status.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

// NewLeaderElector builds an elector for lockKey, contending for a lease
// with ttl against c. nodeID identifies this process in lease metadata.
func NewLeaderElector(c store.Coordinator, nodeID, lockKey string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		lockKey:     lockKey,
		ttl:         ttl,
	}
}

// SetCallbacks registers the functions invoked on election and loss.
// onElected runs in its own goroutine with the fenced context.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start begins the acquire/renew loop, stopping when ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(runCtx)
}

// Stop ends the loop and releases the lease if held.
func (l *LeaderElector) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsLeader() {
		l.release()
		l.stepDown()
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("coordination: dispatcher lease renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

// IsLeader reports whether this node currently holds the lease.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.coordinator.IncrementEpoch(ctx, l.lockKey)
	if err != nil {
		return false, err
	}

	meta := LeaseMetadata{
		OwnerID:   l.nodeID,
		Epoch:     epoch,
		ReqID:     newReqID(),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.currentEpoch = epoch
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, l.lockKey, val); err != nil {
		log.Printf("coordination: releasing dispatcher lease failed: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	epoch := l.currentEpoch
	l.mu.Unlock()

	metrics.DispatcherLeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	metrics.DispatcherLeaderEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	log.Printf("coordination: node %s acquired dispatcher lease (epoch %d)", l.nodeID, epoch)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	metrics.DispatcherLeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("coordination: node %s lost dispatcher lease", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}

func newReqID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// Package presence publishes a periodic liveness heartbeat for this
// instance to Redis and lists peer instances seen recently. It is
// observability only: unlike a gating coordinator, nothing
// here gates a scheduling decision — the cluster's own mutex is the
// only arbiter of who may hold a connection. Losing Redis degrades
// presence reporting, never connection routing.
package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/connpool/dbcluster/internal/clustermetrics"
)

const (
	keyInstanceHB   = "dbcluster:presence:hb:%s"
	keyInstanceList = "dbcluster:presence:instances"
)

// Reporter periodically announces this instance's liveness to Redis.
type Reporter struct {
	client     *redis.Client
	instanceID string
	interval   time.Duration
	ttl        time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reporter. addr/password/db dial a Redis client directly;
// interval/ttl default to 10s/30s when zero.
func New(addr, password string, db int, instanceID string, interval, ttl time.Duration) *Reporter {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Reporter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		instanceID: instanceID,
		interval:   interval,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (r *Reporter) Start(ctx context.Context) {
	go r.loop(ctx)
	log.Printf("[presence] started: interval=%s ttl=%s instance=%s", r.interval, r.ttl, r.instanceID)
}

// Stop signals the heartbeat loop to exit and waits for it to finish.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.client.Close()
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.doneCh)

	r.beat(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Reporter) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := fmt.Sprintf(keyInstanceHB, r.instanceID)
	if err := r.client.Set(ctx, key, time.Now().Unix(), r.ttl).Err(); err != nil {
		log.Printf("[presence] heartbeat failed: %v", err)
		return
	}
	r.client.SAdd(ctx, keyInstanceList, r.instanceID)
	clustermetrics.PresenceHeartbeat.WithLabelValues(r.instanceID).Set(1)
}

// Peers lists every instance that has ever joined the instance set, live or
// not, alongside whether its heartbeat key still exists (is within TTL).
func (r *Reporter) Peers(ctx context.Context) (map[string]bool, error) {
	ids, err := r.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(map[string]bool, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			exists, err := r.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
			mu.Lock()
			out[id] = err == nil && exists > 0
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out, nil
}

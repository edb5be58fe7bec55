package app

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	watcherLockKey = "ue1live:lifecycle-watcher"
	leaderLockTTL  = 15 * time.Second
)

// renewScript extends the lock only while owner still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// lockBackend is the storage a leaderLock runs against.
type lockBackend interface {
	acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, owner string) error
}

// leaderLock elects one replica to run a job. Holding is best effort: a
// holder that cannot renew in time steps down and lets another take over.
type leaderLock struct {
	backend lockBackend
	key     string
	owner   string
	ttl     time.Duration
}

func newLeaderLock(client *redis.Client, key, owner string) *leaderLock {
	return &leaderLock{backend: redisLocks{client: client}, key: key, owner: owner, ttl: leaderLockTTL}
}

// Run calls job whenever the lock is held, cancelling the job's context when
// it is lost. It returns once ctx is done and the job has returned.
func (l *leaderLock) Run(ctx context.Context, job func(context.Context)) {
	interval := l.ttl / 3
	for {
		ok, err := l.backend.acquire(ctx, l.key, l.owner, l.ttl)
		if err != nil && ctx.Err() == nil {
			log.Printf("Leader lock %s: acquire failed: %v", l.key, err)
		}
		if ok {
			log.Printf("Leader lock %s acquired by %s", l.key, l.owner)
			l.hold(ctx, interval, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (l *leaderLock) hold(ctx context.Context, interval time.Duration, job func(context.Context)) {
	jobCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		job(jobCtx)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
			if err := l.backend.release(releaseCtx, l.key, l.owner); err != nil {
				log.Printf("Leader lock %s: release failed: %v", l.key, err)
			}
			releaseCancel()
			return
		case <-done:
			cancel()
			return
		case <-ticker.C:
			held, err := l.backend.renew(ctx, l.key, l.owner, l.ttl)
			if err != nil || !held {
				log.Printf("Leader lock %s lost (err=%v), stepping down", l.key, err)
				cancel()
				<-done
				return
			}
		}
	}
}

type redisLocks struct {
	client *redis.Client
}

func (r redisLocks) acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis setnx %s", key)
	}
	return ok, nil
}

func (r redisLocks) renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "redis renew %s", key)
	}
	return n == 1, nil
}

func (r redisLocks) release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil {
		return errors.Wrapf(err, "redis release %s", key)
	}
	return nil
}

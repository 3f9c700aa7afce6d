package transfer

import (
	"bytes"
	"context"
	"crypto/sha1"

	"golang.org/x/sync/semaphore"
)

// HashPool bounds concurrent chunk digest computation. Submit blocks while
// the pool is saturated, which caps the amount of chunk data held in memory.
type HashPool struct {
	sem *semaphore.Weighted
}

func NewHashPool(queueLen int) *HashPool {
	if queueLen < 1 {
		queueLen = 1
	}
	return &HashPool{sem: semaphore.NewWeighted(int64(queueLen))}
}

// Submit hashes data on a pool worker and reports the digest and, when an
// expected hash is known, whether it matched. Blocks until a slot is free.
func (p *HashPool) Submit(ctx context.Context, data []byte, expected []byte, done func(digest []byte, match bool)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		sum := sha1.Sum(data)
		digest := sum[:]
		match := expected == nil || bytes.Equal(digest, expected)
		done(digest, match)
	}()
	return nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Deletes the slot only while it still carries the caller's token, so a
// lease that expired and was taken by another request stays with its new
// holder.
const slotReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Slot is an acquired in-flight permit. The zero Slot is a no-op.
type Slot struct {
	key   string
	token string
}

// slotPool is a fixed set of numbered SETNX leases per owner. A lease that is
// never released frees itself after ttl.
type slotPool struct {
	client  *redis.Client
	release *redis.Script
	pattern string
	size    int
	ttl     time.Duration
}

func newSlotPool(client *redis.Client, pattern string, size int, ttl time.Duration) *slotPool {
	return &slotPool{
		client:  client,
		release: redis.NewScript(slotReleaseScript),
		pattern: pattern,
		size:    size,
		ttl:     ttl,
	}
}

func (p *slotPool) acquire(ctx context.Context, owner string) (Slot, bool, error) {
	token := uuid.NewString()
	for i := 0; i < p.size; i++ {
		key := fmt.Sprintf(p.pattern, owner, i)
		ok, err := p.client.SetNX(ctx, key, token, p.ttl).Result()
		if err != nil {
			return Slot{}, false, err
		}
		if ok {
			return Slot{key: key, token: token}, true, nil
		}
	}
	return Slot{}, false, nil
}

func (p *slotPool) free(ctx context.Context, slot Slot) error {
	if slot.key == "" || slot.token == "" {
		return nil
	}
	return p.release.Run(ctx, p.client, []string{slot.key}, slot.token).Err()
}

// Package locks provides owner-scoped leases on Redis for work that only one
// process should run at a time.
package locks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

var (
	errNoClient      = errors.New("lease store unavailable")
	errResourceOwner = errors.New("resource and owner required")
)

// Leases grants exclusive, expiring leases. A lease held by owner can be
// re-acquired by the same owner, which extends it.
type Leases struct {
	client redis.UniversalClient
	prefix string
}

// NewLeases stores leases under prefix + ":lease:" + resource.
func NewLeases(client redis.UniversalClient, prefix string) *Leases {
	return &Leases{client: client, prefix: strings.TrimSpace(prefix)}
}

// Acquire takes resource for owner for ttl. It reports false when another
// owner holds it.
func (l *Leases) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, owner, err := l.args(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := l.client.Eval(ctx, acquireScript, []string{key}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends a lease still held by owner.
func (l *Leases) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, owner, err := l.args(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := l.client.Eval(ctx, renewScript, []string{key}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if owner holds it. Releasing a lease that expired
// or moved to another owner reports false.
func (l *Leases) Release(ctx context.Context, resource, owner string) (bool, error) {
	key, owner, err := l.args(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Holder returns the current owner of resource, or "" when free.
func (l *Leases) Holder(ctx context.Context, resource string) (string, error) {
	if l == nil || l.client == nil {
		return "", errNoClient
	}
	owner, err := l.client.Get(ctx, l.key(strings.TrimSpace(resource))).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (l *Leases) args(resource, owner string) (string, string, error) {
	if l == nil || l.client == nil {
		return "", "", errNoClient
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", errResourceOwner
	}
	return l.key(resource), owner, nil
}

func (l *Leases) key(resource string) string {
	if l.prefix == "" {
		return "lease:" + resource
	}
	return l.prefix + ":lease:" + resource
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

const acquireScript = `
local current = redis.call("GET", KEYS[1])
if not current or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

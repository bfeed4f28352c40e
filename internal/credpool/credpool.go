// Package credpool rotates harvest API credentials and benches the ones
// that hit upstream rate limits. Cooldowns live in Redis with a TTL so
// they survive process restarts.
package credpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Credential is one API identity usable by the harvester.
type Credential struct {
	Index        int
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Label returns a short identifier safe for logs and metrics.
func (c Credential) Label() string { return fmt.Sprintf("cred-%d", c.Index) }

// AllCoolingError reports that every credential is benched and when the
// earliest one frees up.
type AllCoolingError struct {
	RetryAfter time.Duration
}

func (e *AllCoolingError) Error() string {
	return fmt.Sprintf("all credentials cooling down, retry after %s", e.RetryAfter)
}

// Pool hands out credentials round-robin, skipping any with an active
// cooldown key.
type Pool struct {
	rdb   *redis.Client
	creds []Credential

	mu   sync.Mutex
	next int
}

// New builds a Pool from parallel credential slices. Username and
// password entries are optional and may be shorter than the id slice.
func New(rdb *redis.Client, clientIDs, clientSecrets, usernames, passwords []string) (*Pool, error) {
	if len(clientIDs) == 0 {
		return nil, fmt.Errorf("no credentials configured")
	}
	if len(clientIDs) != len(clientSecrets) {
		return nil, fmt.Errorf("credential ids and secrets must align, got %d and %d",
			len(clientIDs), len(clientSecrets))
	}

	creds := make([]Credential, len(clientIDs))
	for i := range clientIDs {
		creds[i] = Credential{
			Index:        i,
			ClientID:     clientIDs[i],
			ClientSecret: clientSecrets[i],
		}
		if i < len(usernames) {
			creds[i].Username = usernames[i]
		}
		if i < len(passwords) {
			creds[i].Password = passwords[i]
		}
	}
	return &Pool{rdb: rdb, creds: creds}, nil
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int { return len(p.creds) }

func cooldownKey(index int) string { return fmt.Sprintf("cooldown:%d", index) }

// Acquire returns the next credential that is not cooling down,
// advancing the rotation cursor past it. When every credential is
// benched it returns AllCoolingError carrying the shortest remaining
// cooldown.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	start := p.next
	p.mu.Unlock()

	// One pipelined round trip checks every cooldown key.
	pipe := p.rdb.Pipeline()
	ttls := make([]*redis.DurationCmd, len(p.creds))
	for i := range p.creds {
		ttls[i] = pipe.PTTL(ctx, cooldownKey(i))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Credential{}, fmt.Errorf("failed to check credential cooldowns: %w", err)
	}

	minWait := time.Duration(-1)
	for offset := 0; offset < len(p.creds); offset++ {
		i := (start + offset) % len(p.creds)
		ttl := ttls[i].Val()
		// PTTL returns a negative duration when the key does not exist.
		if ttl <= 0 {
			p.mu.Lock()
			p.next = (i + 1) % len(p.creds)
			p.mu.Unlock()
			return p.creds[i], nil
		}
		if minWait < 0 || ttl < minWait {
			minWait = ttl
		}
	}

	return Credential{}, &AllCoolingError{RetryAfter: minWait}
}

// MarkCooldown benches a credential for the given duration. A zero or
// negative duration is coerced to one second so the key always expires.
func (p *Pool) MarkCooldown(ctx context.Context, index int, d time.Duration) error {
	if index < 0 || index >= len(p.creds) {
		return fmt.Errorf("credential index %d out of range", index)
	}
	if d <= 0 {
		d = time.Second
	}

	releaseAt := time.Now().Add(d).Unix()
	if err := p.rdb.Set(ctx, cooldownKey(index), releaseAt, d).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown for credential %d: %w", index, err)
	}

	log.Warn().
		Int("credential", index).
		Dur("cooldown", d).
		Msg("Credential benched after rate limit")
	return nil
}

// CooldownRemaining reports how long a credential stays benched; zero
// means it is available.
func (p *Pool) CooldownRemaining(ctx context.Context, index int) (time.Duration, error) {
	ttl, err := p.rdb.PTTL(ctx, cooldownKey(index)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown for credential %d: %w", index, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

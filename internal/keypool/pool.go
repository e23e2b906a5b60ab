// Package keypool tracks upstream provider credentials and hands out the
// least-loaded usable key per dispatch attempt.
//
// A key that reports a rate limit is put into cooldown. Cooldown length doubles
// with consecutive rate-limit hits on the same key, capped at a maximum, and
// recovery is purely time based: a success observed while the key is cooling
// down does not shorten the cooldown.
package keypool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pixelcraft/backend/internal/models"
)

var (
	// ErrNoCapacity is returned by Acquire when no healthy key has headroom.
	ErrNoCapacity = errors.New("no provider key capacity")
	// ErrUnknownKey is returned for key ids the pool does not track.
	ErrUnknownKey = errors.New("unknown provider key")
)

// Outcome is what the caller observed while holding a key.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeRateLimited
	OutcomeInvalidCredential
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	default:
		return "failure"
	}
}

const (
	DefaultCooldownBase = 5 * time.Second
	DefaultCooldownMax  = 5 * time.Minute
)

// KeyConfig describes one credential.
type KeyConfig struct {
	ID            string
	Secret        string
	MaxConcurrent int
	// RatePerSecond, when positive, adds a token bucket in front of the key.
	RatePerSecond float64
	Burst         int
}

// Lease is a key checked out by Acquire; hand its ID back to Release.
type Lease struct {
	KeyID  string
	Secret string
}

// Stats is the observability view of the pool.
type Stats struct {
	TotalKeys          int     `json:"totalKeys"`
	HealthyKeys        int     `json:"healthyKeys"`
	RateLimitedKeys    int     `json:"rateLimitedKeys"`
	DisabledKeys       int     `json:"disabledKeys"`
	ActiveCount        int     `json:"activeCount"`
	AvailableCapacity  int     `json:"availableCapacity"`
	TotalCapacity      int     `json:"totalCapacity"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

type keyState struct {
	key     models.ProviderKey
	limiter *rate.Limiter
}

// Pool is safe for concurrent use. All key mutation happens under mu.
type Pool struct {
	mu           sync.RWMutex
	keys         []*keyState
	byID         map[string]*keyState
	now          func() time.Time
	cooldownBase time.Duration
	cooldownMax  time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithCooldown sets the first cooldown length and its cap.
func WithCooldown(base, max time.Duration) Option {
	return func(p *Pool) {
		if base > 0 {
			p.cooldownBase = base
		}
		if max > 0 {
			p.cooldownMax = max
		}
	}
}

func New(keys []KeyConfig, opts ...Option) (*Pool, error) {
	p := &Pool{
		byID:         make(map[string]*keyState, len(keys)),
		now:          time.Now,
		cooldownBase: DefaultCooldownBase,
		cooldownMax:  DefaultCooldownMax,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cooldownMax < p.cooldownBase {
		p.cooldownMax = p.cooldownBase
	}
	for _, kc := range keys {
		if kc.ID == "" {
			return nil, fmt.Errorf("provider key without id")
		}
		if _, dup := p.byID[kc.ID]; dup {
			return nil, fmt.Errorf("duplicate provider key %q", kc.ID)
		}
		if kc.MaxConcurrent <= 0 {
			return nil, fmt.Errorf("provider key %q: max_concurrent must be positive", kc.ID)
		}
		ks := &keyState{key: models.ProviderKey{
			ID:            kc.ID,
			Secret:        kc.Secret,
			Health:        models.KeyHealthy,
			MaxConcurrent: kc.MaxConcurrent,
			RatePerSecond: kc.RatePerSecond,
			Burst:         kc.Burst,
		}}
		if kc.RatePerSecond > 0 {
			burst := kc.Burst
			if burst <= 0 {
				burst = kc.MaxConcurrent
			}
			ks.key.Burst = burst
			ks.limiter = rate.NewLimiter(rate.Limit(kc.RatePerSecond), burst)
		}
		p.keys = append(p.keys, ks)
		p.byID[kc.ID] = ks
	}
	sort.Slice(p.keys, func(i, j int) bool { return p.keys[i].key.ID < p.keys[j].key.ID })
	return p, nil
}

// Acquire checks out the least-loaded healthy key with headroom. It never blocks.
func (p *Pool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	candidates := make([]*keyState, 0, len(p.keys))
	for _, ks := range p.keys {
		p.recoverLocked(ks, now)
		if ks.key.Health == models.KeyHealthy && ks.key.ActiveCount < ks.key.MaxConcurrent {
			candidates = append(candidates, ks)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].key, candidates[j].key
		// compare active/max without floats
		la, lb := a.ActiveCount*b.MaxConcurrent, b.ActiveCount*a.MaxConcurrent
		if la != lb {
			return la < lb
		}
		return a.ConsecutiveRateLimits < b.ConsecutiveRateLimits
	})
	for _, ks := range candidates {
		if ks.limiter != nil && !ks.limiter.AllowN(now, 1) {
			continue
		}
		ks.key.ActiveCount++
		return Lease{KeyID: ks.key.ID, Secret: ks.key.Secret}, nil
	}
	return Lease{}, ErrNoCapacity
}

// Release returns a key and records the outcome of the call made with it.
func (p *Pool) Release(keyID string, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ks, ok := p.byID[keyID]
	if !ok {
		return ErrUnknownKey
	}
	if ks.key.ActiveCount > 0 {
		ks.key.ActiveCount--
	}
	now := p.now()
	p.recoverLocked(ks, now)

	switch outcome {
	case OutcomeRateLimited:
		if ks.key.Health == models.KeyDisabled {
			return nil
		}
		ks.key.ConsecutiveRateLimits++
		until := now.Add(p.backoff(ks.key.ConsecutiveRateLimits))
		if ks.key.CooldownUntil == nil || until.After(*ks.key.CooldownUntil) {
			ks.key.CooldownUntil = &until
		}
		ks.key.Health = models.KeyRateLimited
	case OutcomeSuccess:
		if ks.key.Health == models.KeyHealthy {
			ks.key.ConsecutiveRateLimits = 0
		}
	case OutcomeInvalidCredential:
		ks.key.Health = models.KeyDisabled
		ks.key.CooldownUntil = nil
	}
	return nil
}

// backoff returns base * 2^(hits-1), capped.
func (p *Pool) backoff(hits int) time.Duration {
	d := p.cooldownBase
	for i := 1; i < hits; i++ {
		d *= 2
		if d >= p.cooldownMax {
			return p.cooldownMax
		}
	}
	if d > p.cooldownMax {
		return p.cooldownMax
	}
	return d
}

// recoverLocked returns a rate-limited key to healthy once its cooldown elapsed.
func (p *Pool) recoverLocked(ks *keyState, now time.Time) {
	if ks.key.Health == models.KeyRateLimited && cooledDown(ks.key, now) {
		ks.key.Health = models.KeyHealthy
		ks.key.CooldownUntil = nil
	}
}

func cooledDown(k models.ProviderKey, now time.Time) bool {
	return k.CooldownUntil == nil || !now.Before(*k.CooldownUntil)
}

// effectiveHealth is the health a read would observe, without mutating state.
func effectiveHealth(k models.ProviderKey, now time.Time) string {
	if k.Health == models.KeyRateLimited && cooledDown(k, now) {
		return models.KeyHealthy
	}
	return k.Health
}

// Stats reads the pool under a shared lock.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	var s Stats
	s.TotalKeys = len(p.keys)
	for _, ks := range p.keys {
		k := ks.key
		s.ActiveCount += k.ActiveCount
		switch effectiveHealth(k, now) {
		case models.KeyHealthy:
			s.HealthyKeys++
			s.TotalCapacity += k.MaxConcurrent
			s.AvailableCapacity += k.MaxConcurrent - k.ActiveCount
		case models.KeyRateLimited:
			s.RateLimitedKeys++
			s.TotalCapacity += k.MaxConcurrent
		case models.KeyDisabled:
			s.DisabledKeys++
		}
	}
	if s.TotalCapacity > 0 {
		s.UtilizationPercent = float64(s.ActiveCount) * 100 / float64(s.TotalCapacity)
	}
	return s
}

// Keys returns a snapshot of every key with secrets cleared.
func (p *Pool) Keys() []models.ProviderKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	out := make([]models.ProviderKey, 0, len(p.keys))
	for _, ks := range p.keys {
		k := ks.key
		k.Secret = ""
		k.Health = effectiveHealth(k, now)
		if k.Health == models.KeyHealthy {
			k.CooldownUntil = nil
		} else if k.CooldownUntil != nil {
			until := *k.CooldownUntil
			k.CooldownUntil = &until
		}
		out = append(out, k)
	}
	return out
}

// Disable takes a key out of rotation until Enable.
func (p *Pool) Disable(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.byID[keyID]
	if !ok {
		return ErrUnknownKey
	}
	ks.key.Health = models.KeyDisabled
	ks.key.CooldownUntil = nil
	return nil
}

// Enable puts a key back into rotation with a clean rate-limit history.
func (p *Pool) Enable(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.byID[keyID]
	if !ok {
		return ErrUnknownKey
	}
	ks.key.Health = models.KeyHealthy
	ks.key.CooldownUntil = nil
	ks.key.ConsecutiveRateLimits = 0
	return nil
}

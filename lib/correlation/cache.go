// Package correlation implements the short-lived request correlation store
// bridging the asynchronous legs of the verification and issuance flows.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default TTLs per cache family.
const (
	// RequestTTL bounds one authorize round-trip: entries written by a
	// flow's start leg must survive until the gateway redirects back.
	RequestTTL = 10 * time.Minute
	// VerifiedSessionTTL is how long a session stays verified once the
	// identity check passed.
	VerifiedSessionTTL = time.Hour

	sweepInterval = time.Minute
)

// Family identifies a group of correlation entries sharing a TTL and a
// read policy.
type Family struct {
	Name      string
	TTL       time.Duration
	SingleUse bool
}

// The cache families. Single-use entries are evicted by the first read.
var (
	CodeVerifier      = Family{Name: "code_verifier", TTL: RequestTTL, SingleUse: true}
	ClientState       = Family{Name: "client_state", TTL: RequestTTL, SingleUse: true}
	IdentityData      = Family{Name: "identity_data", TTL: RequestTTL, SingleUse: true}
	CredentialData    = Family{Name: "credential_data", TTL: RequestTTL, SingleUse: true}
	TraineeID         = Family{Name: "trainee_id", TTL: RequestTTL, SingleUse: true}
	IssuanceTimestamp = Family{Name: "issuance_timestamp", TTL: RequestTTL, SingleUse: true}
	UnverifiedSession = Family{Name: "unverified_session", TTL: RequestTTL, SingleUse: true}
	VerifiedSession   = Family{Name: "verified_session", TTL: VerifiedSessionTTL, SingleUse: false}
)

type cacheKey struct {
	family string
	id     string
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a TTL-bounded mapping store keyed by opaque identifiers. All
// operations are individually atomic: a concurrent Take race on a
// single-use entry resolves with exactly one winner.
type Cache struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[cacheKey]entry
}

// NewCache creates an empty cache using the given clock.
func NewCache(clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		clock:   clock,
		entries: make(map[cacheKey]entry),
	}
}

// Put stores a value under the family's default TTL, replacing any previous
// value for the same key.
func (c *Cache) Put(family Family, id string, value interface{}) {
	c.PutWithTTL(family, id, value, family.TTL)
}

// PutWithTTL stores a value with an explicit TTL.
func (c *Cache) PutWithTTL(family Family, id string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{family.Name, id}] = entry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
}

// Take returns the value for the key and evicts it. Expired entries are
// misses regardless of policy. Panics on a read-many family: those entries
// must only be read with Peek.
func (c *Cache) Take(family Family, id string) (interface{}, bool) {
	if !family.SingleUse {
		panic("taking from the read-many family " + family.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{family.Name, id}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	if !c.clock.Now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Peek returns the value for the key without evicting it. Panics on a
// single-use family: those entries must be consumed with Take so the
// exactly-one-winner guarantee holds.
func (c *Cache) Peek(family Family, id string) (interface{}, bool) {
	if family.SingleUse {
		panic("peeking at the single-use family " + family.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey{family.Name, id}]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep evicts every expired entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// RunSweeper periodically evicts expired entries until the context is done.
// Reads already treat expired entries as misses, the sweeper only reclaims
// memory.
func (c *Cache) RunSweeper(ctx context.Context) {
	ticker := c.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sweep()
		}
	}
}

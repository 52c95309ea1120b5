// Package enginepool manages the transcription engine variants and their
// credentials.
//
// Variants are ordered by preference: a lease always comes from the first
// variant that still has a usable credential. Within a variant, credentials
// rotate round-robin so quota is spread evenly, and a credential whose
// quota was exhausted is put on cooldown instead of being retried into the
// same error.
package enginepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrExhausted indicates every credential of every variant is cooling.
var ErrExhausted = errors.New("all engine credentials are cooling down")

// ErrUnknownCredential indicates a MarkCooling target that is not in the
// pool.
var ErrUnknownCredential = errors.New("unknown engine credential")

// CredentialConfig identifies one API credential for an engine variant.
type CredentialConfig struct {
	// Name is the operator-facing label, used in job records and status
	// output. Never log the key.
	Name string `mapstructure:"name"`

	// Key is the secret sent to the engine backend.
	Key string `mapstructure:"key"`
}

// VariantConfig describes one engine variant and its credentials.
type VariantConfig struct {
	// Name is the engine variant identifier, e.g. "large-v3".
	Name string `mapstructure:"name"`

	// Credentials rotate round-robin within the variant.
	Credentials []CredentialConfig `mapstructure:"credentials"`

	// RequestsPerMinute paces each credential individually. Zero means
	// unpaced.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
}

// Config is the pool configuration. Variant order is preference order.
type Config struct {
	Variants []VariantConfig `mapstructure:"variants"`
}

type credState struct {
	name         string
	key          string
	coolingUntil time.Time
	limiter      *rate.Limiter // nil if unpaced
}

type variantState struct {
	name  string
	creds []*credState
	next  int // round-robin cursor
}

// Pool hands out engine leases.
//
// Pool is safe for concurrent use by worker goroutines.
type Pool struct {
	mu       sync.Mutex
	variants []*variantState

	// now is replaceable for tests.
	now func() time.Time
}

// New builds a pool from configuration. At least one variant with at least
// one credential is required.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Variants) == 0 {
		return nil, errors.New("at least one engine variant is required")
	}

	p := &Pool{now: time.Now}
	seen := make(map[string]bool)
	for _, vc := range cfg.Variants {
		if vc.Name == "" {
			return nil, errors.New("engine variant name is required")
		}
		if seen[vc.Name] {
			return nil, fmt.Errorf("duplicate engine variant %q", vc.Name)
		}
		seen[vc.Name] = true
		if len(vc.Credentials) == 0 {
			return nil, fmt.Errorf("engine variant %q has no credentials", vc.Name)
		}

		vs := &variantState{name: vc.Name}
		for _, cc := range vc.Credentials {
			if cc.Name == "" {
				return nil, fmt.Errorf("engine variant %q has a credential without a name", vc.Name)
			}
			cs := &credState{name: cc.Name, key: cc.Key}
			if vc.RequestsPerMinute > 0 {
				cs.limiter = rate.NewLimiter(rate.Limit(vc.RequestsPerMinute/60), 1)
			}
			vs.creds = append(vs.creds, cs)
		}
		p.variants = append(p.variants, vs)
	}

	return p, nil
}

// WithNow overrides the pool's clock. Returns the pool for chaining.
func (p *Pool) WithNow(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Lease is a granted (variant, credential) pair.
type Lease struct {
	Variant    string
	Credential string
	Key        string

	limiter *rate.Limiter
}

// Wait blocks until the leased credential's pacing allows another request.
func (l *Lease) Wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Lease grants the highest-preference variant that has a non-cooling
// credential, rotating round-robin inside the variant. Returns ErrExhausted
// when nothing is usable; the caller decides how long to back off.
func (p *Pool) Lease() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, vs := range p.variants {
		for i := range vs.creds {
			cs := vs.creds[(vs.next+i)%len(vs.creds)]
			if cs.coolingUntil.After(now) {
				continue
			}
			vs.next = (vs.next + i + 1) % len(vs.creds)
			return &Lease{
				Variant:    vs.name,
				Credential: cs.name,
				Key:        cs.key,
				limiter:    cs.limiter,
			}, nil
		}
	}

	return nil, ErrExhausted
}

// MarkCooling puts a credential on cooldown until the given instant,
// typically after the backend reported quota exhaustion. Marking a
// credential that is already cooling extends or shortens its cooldown to
// the new instant.
func (p *Pool) MarkCooling(variant, credential string, until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, vs := range p.variants {
		if vs.name != variant {
			continue
		}
		for _, cs := range vs.creds {
			if cs.name == credential {
				cs.coolingUntil = until
				return nil
			}
		}
	}
	return fmt.Errorf("%s/%s: %w", variant, credential, ErrUnknownCredential)
}

// CredentialStatus is one entry of a pool snapshot.
type CredentialStatus struct {
	Variant      string
	Credential   string
	Cooling      bool
	CoolingUntil time.Time
}

// Snapshot reports every credential's cooldown state, in preference order.
func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []CredentialStatus
	for _, vs := range p.variants {
		for _, cs := range vs.creds {
			st := CredentialStatus{
				Variant:    vs.name,
				Credential: cs.name,
				Cooling:    cs.coolingUntil.After(now),
			}
			if st.Cooling {
				st.CoolingUntil = cs.coolingUntil
			}
			out = append(out, st)
		}
	}
	return out
}

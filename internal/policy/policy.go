// Package policy implements the per-session action gate: named profiles,
// domain throttling with jitter and error cooldown, a per-minute action
// cap, a per-domain retry budget, and the sensitive-action filter.
package policy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Profile names. Unknown names are rejected at the boundary.
const (
	ProfileSafe       = "safe"
	ProfilePermissive = "permissive"
	ProfileDisabled   = "disabled"
)

// Policy is the wire-visible per-session configuration.
type Policy struct {
	Profile               string `json:"profile"`
	DomainMinIntervalMs   int    `json:"domain_min_interval_ms"`
	JitterMs              [2]int `json:"jitter_ms"`
	CooldownAfterErrorMs  int    `json:"cooldown_after_error_ms"`
	MaxRetriesPerDomain   int    `json:"max_retries_per_domain"`
	MaxActionsPerMinute   int    `json:"max_actions_per_minute"`
	AllowSensitiveActions bool   `json:"allow_sensitive_actions"`
}

// ForProfile returns the fixed defaults of a named profile.
func ForProfile(profile string) (Policy, error) {
	switch profile {
	case ProfileSafe:
		return Policy{
			Profile:              ProfileSafe,
			DomainMinIntervalMs:  2500,
			JitterMs:             [2]int{100, 300},
			CooldownAfterErrorMs: 5000,
			MaxRetriesPerDomain:  3,
			MaxActionsPerMinute:  20,
		}, nil
	case ProfilePermissive:
		return Policy{
			Profile:               ProfilePermissive,
			DomainMinIntervalMs:   500,
			JitterMs:              [2]int{0, 100},
			CooldownAfterErrorMs:  1000,
			MaxRetriesPerDomain:   10,
			MaxActionsPerMinute:   120,
			AllowSensitiveActions: true,
		}, nil
	case ProfileDisabled:
		return Policy{Profile: ProfileDisabled, AllowSensitiveActions: true}, nil
	default:
		return Policy{}, fmt.Errorf("policy: unknown profile %q", profile)
	}
}

// DenyReason explains a policy denial on the wire.
type DenyReason string

const (
	DenySensitive   DenyReason = "sensitive_action_blocked"
	DenyRateLimited DenyReason = "rate_limit_exceeded"
	DenyRetryBudget DenyReason = "retry_budget_exhausted"
)

// Denied is returned by Check when the gate refuses the action.
type Denied struct {
	Reason DenyReason
}

func (d *Denied) Error() string {
	return fmt.Sprintf("policy: denied: %s", d.Reason)
}

// Request is the slice of an action request the gate inspects.
type Request struct {
	Domain    string // host of the target URL; empty means no domain throttle
	Sensitive bool
	Retry     bool
}

// Decision summarizes what the gate did for the audit trail.
type Decision struct {
	WaitedMs int64
	Domain   string
}

// Engine holds one session's policy plus its mutable counters. Counters
// are only ever mutated under the session serializer, but the mutex keeps
// reads from HTTP inspection handlers safe too.
type Engine struct {
	mu sync.Mutex

	policy Policy

	lastAction    map[string]time.Time // domain -> last action completion
	cooldownUntil map[string]time.Time // domain -> cooldown expiry after error
	retries       map[string]int       // domain -> consecutive retry count

	window      []time.Time // action timestamps inside the sliding minute
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	jitterRandF func(lo, hi int) int
}

// NewEngine creates a policy engine with the given starting policy.
func NewEngine(p Policy) *Engine {
	return &Engine{
		policy:        p,
		lastAction:    make(map[string]time.Time),
		cooldownUntil: make(map[string]time.Time),
		retries:       make(map[string]int),
		now:           time.Now,
		sleep:         sleepCtx,
		jitterRandF:   uniform,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniform(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.Intn(hi-lo+1)
}

// Policy returns a copy of the current policy.
func (e *Engine) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// SetPolicy replaces the session policy. Counters are kept: switching
// profiles mid-session does not grant a fresh minute window.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Check runs the gate in spec order. It returns a *Denied error for
// refusals, ctx.Err() when the throttle sleep is cancelled, and the
// applied wait for the audit trail otherwise.
func (e *Engine) Check(ctx context.Context, req Request) (Decision, error) {
	e.mu.Lock()
	p := e.policy
	e.mu.Unlock()

	dec := Decision{Domain: req.Domain}
	if p.Profile == ProfileDisabled {
		return dec, nil
	}

	if req.Sensitive && !p.AllowSensitiveActions {
		return dec, &Denied{Reason: DenySensitive}
	}

	if p.MaxActionsPerMinute > 0 && !e.takeToken(p.MaxActionsPerMinute) {
		return dec, &Denied{Reason: DenyRateLimited}
	}

	if req.Retry && req.Domain != "" {
		e.mu.Lock()
		e.retries[req.Domain]++
		over := e.retries[req.Domain] > p.MaxRetriesPerDomain
		e.mu.Unlock()
		if over {
			return dec, &Denied{Reason: DenyRetryBudget}
		}
	}

	if req.Domain != "" && p.DomainMinIntervalMs > 0 {
		wait := e.throttleWait(req.Domain, p)
		if wait > 0 {
			if err := e.sleep(ctx, wait); err != nil {
				return dec, err
			}
			dec.WaitedMs = wait.Milliseconds()
		}
	}

	if req.Domain != "" {
		e.mu.Lock()
		e.lastAction[req.Domain] = e.now()
		e.mu.Unlock()
	}
	return dec, nil
}

// RecordResult updates counters after the action ran. Errors start the
// domain cooldown; a successful non-retry action resets the domain's
// retry chain.
func (e *Engine) RecordResult(domain string, retry bool, actionErr error) {
	if domain == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if actionErr != nil {
		if e.policy.CooldownAfterErrorMs > 0 {
			e.cooldownUntil[domain] = e.now().Add(time.Duration(e.policy.CooldownAfterErrorMs) * time.Millisecond)
		}
		return
	}
	if !retry {
		delete(e.retries, domain)
	}
	delete(e.cooldownUntil, domain)
}

// takeToken admits one action into the sliding one-minute window.
func (e *Engine) takeToken(max int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	cutoff := now.Add(-time.Minute)
	kept := e.window[:0]
	for _, t := range e.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.window = kept
	if len(e.window) >= max {
		return false
	}
	e.window = append(e.window, now)
	return true
}

func (e *Engine) throttleWait(domain string, p Policy) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	var wait time.Duration
	if last, ok := e.lastAction[domain]; ok {
		min := time.Duration(p.DomainMinIntervalMs) * time.Millisecond
		jitter := time.Duration(e.jitterRandF(p.JitterMs[0], p.JitterMs[1])) * time.Millisecond
		if until := last.Add(min + jitter); until.After(now) {
			wait = until.Sub(now)
		}
	}
	if cd, ok := e.cooldownUntil[domain]; ok && cd.After(now) {
		if rem := cd.Sub(now); rem > wait {
			wait = rem
		}
	}
	return wait
}

// RetryCount reports the current retry chain length for a domain.
func (e *Engine) RetryCount(domain string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[domain]
}

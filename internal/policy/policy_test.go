package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testEngine builds an engine with a fake clock, recorded sleeps, and a
// deterministic jitter picking the low bound.
func testEngine(p Policy) (*Engine, *time.Time, *[]time.Duration) {
	e := NewEngine(p)
	now := time.Unix(1_700_000_000, 0)
	var sleeps []time.Duration
	e.now = func() time.Time { return now }
	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		now = now.Add(d)
		return nil
	}
	e.jitterRandF = func(lo, _ int) int { return lo }
	return e, &now, &sleeps
}

func TestForProfile(t *testing.T) {
	safe, err := ForProfile(ProfileSafe)
	if err != nil {
		t.Fatal(err)
	}
	if safe.DomainMinIntervalMs != 2500 || safe.MaxActionsPerMinute != 20 || safe.AllowSensitiveActions {
		t.Fatalf("safe profile = %+v", safe)
	}
	perm, err := ForProfile(ProfilePermissive)
	if err != nil {
		t.Fatal(err)
	}
	if perm.DomainMinIntervalMs != 500 || !perm.AllowSensitiveActions {
		t.Fatalf("permissive profile = %+v", perm)
	}
	dis, err := ForProfile(ProfileDisabled)
	if err != nil {
		t.Fatal(err)
	}
	if dis.DomainMinIntervalMs != 0 || !dis.AllowSensitiveActions {
		t.Fatalf("disabled profile = %+v", dis)
	}
	if _, err := ForProfile("strict"); err == nil {
		t.Fatal("unknown profile accepted")
	}
}

func TestCheck_DisabledSkipsEverything(t *testing.T) {
	p, _ := ForProfile(ProfileDisabled)
	e, _, sleeps := testEngine(p)

	for i := 0; i < 500; i++ {
		dec, err := e.Check(context.Background(), Request{Domain: "example.com", Sensitive: true, Retry: true})
		if err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
		if dec.WaitedMs != 0 {
			t.Fatalf("action %d waited %dms", i, dec.WaitedMs)
		}
	}
	if len(*sleeps) != 0 {
		t.Fatalf("disabled profile slept: %v", *sleeps)
	}
}

func TestCheck_SensitiveBlocked(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	e, _, _ := testEngine(p)

	_, err := e.Check(context.Background(), Request{Domain: "bank.test", Sensitive: true})
	var denied *Denied
	if !errors.As(err, &denied) || denied.Reason != DenySensitive {
		t.Fatalf("err = %v, want sensitive denial", err)
	}

	// Flipping the flag admits the same action.
	p.AllowSensitiveActions = true
	e.SetPolicy(p)
	if _, err := e.Check(context.Background(), Request{Domain: "bank.test", Sensitive: true}); err != nil {
		t.Fatal(err)
	}
}

func TestCheck_RateLimitWindow(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	p.DomainMinIntervalMs = 0 // isolate the per-minute cap
	p.MaxActionsPerMinute = 3
	e, now, _ := testEngine(p)

	for i := 0; i < 3; i++ {
		if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
	}
	_, err := e.Check(context.Background(), Request{Domain: "a.test"})
	var denied *Denied
	if !errors.As(err, &denied) || denied.Reason != DenyRateLimited {
		t.Fatalf("err = %v, want rate limit denial", err)
	}

	// Window slides: a minute later the cap frees up.
	*now = now.Add(61 * time.Second)
	if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
		t.Fatal(err)
	}
}

func TestCheck_DomainThrottleAndJitter(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	p.MaxActionsPerMinute = 0
	p.DomainMinIntervalMs = 1000
	p.JitterMs = [2]int{50, 50}
	e, now, sleeps := testEngine(p)

	if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
		t.Fatal(err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("first action slept: %v", *sleeps)
	}

	// Second action 200ms later must wait out interval+jitter.
	*now = now.Add(200 * time.Millisecond)
	dec, err := e.Check(context.Background(), Request{Domain: "a.test"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.WaitedMs != 850 {
		t.Fatalf("waited %dms, want 850", dec.WaitedMs)
	}

	// A different domain is not throttled.
	dec, err = e.Check(context.Background(), Request{Domain: "b.test"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.WaitedMs != 0 {
		t.Fatalf("fresh domain waited %dms", dec.WaitedMs)
	}
}

func TestCheck_CooldownAfterError(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	p.MaxActionsPerMinute = 0
	p.DomainMinIntervalMs = 100
	p.JitterMs = [2]int{0, 0}
	p.CooldownAfterErrorMs = 5000
	e, now, _ := testEngine(p)

	if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
		t.Fatal(err)
	}
	e.RecordResult("a.test", false, errors.New("boom"))

	*now = now.Add(time.Second)
	dec, err := e.Check(context.Background(), Request{Domain: "a.test"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.WaitedMs != 4000 {
		t.Fatalf("waited %dms, want 4000 cooldown remainder", dec.WaitedMs)
	}

	// Success clears the cooldown.
	e.RecordResult("a.test", false, nil)
	*now = now.Add(200 * time.Millisecond)
	dec, err = e.Check(context.Background(), Request{Domain: "a.test"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.WaitedMs != 0 {
		t.Fatalf("post-success waited %dms", dec.WaitedMs)
	}
}

func TestCheck_RetryBudget(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	p.MaxActionsPerMinute = 0
	p.DomainMinIntervalMs = 0
	p.MaxRetriesPerDomain = 2
	e, _, _ := testEngine(p)

	for i := 0; i < 2; i++ {
		if _, err := e.Check(context.Background(), Request{Domain: "a.test", Retry: true}); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	_, err := e.Check(context.Background(), Request{Domain: "a.test", Retry: true})
	var denied *Denied
	if !errors.As(err, &denied) || denied.Reason != DenyRetryBudget {
		t.Fatalf("err = %v, want retry budget denial", err)
	}

	// A successful non-retry action resets the chain.
	if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
		t.Fatal(err)
	}
	e.RecordResult("a.test", false, nil)
	if got := e.RetryCount("a.test"); got != 0 {
		t.Fatalf("retry count after reset = %d", got)
	}
	if _, err := e.Check(context.Background(), Request{Domain: "a.test", Retry: true}); err != nil {
		t.Fatal(err)
	}
}

func TestCheck_CancelledDuringThrottle(t *testing.T) {
	p, _ := ForProfile(ProfileSafe)
	p.MaxActionsPerMinute = 0
	p.DomainMinIntervalMs = 1000
	p.JitterMs = [2]int{0, 0}
	e, _, _ := testEngine(p)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	if _, err := e.Check(context.Background(), Request{Domain: "a.test"}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Check(context.Background(), Request{Domain: "a.test"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

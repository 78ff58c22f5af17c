package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCanSendNoRule(t *testing.T) {
	s := newStore()
	engine, _, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	dec := engine.CanSend(rome.ID, carthage.ID, time.Unix(1000, 0))
	if dec.Allowed || dec.Reason != ReasonNoRule {
		t.Fatalf("expected NO_RULE denial, got %+v", dec)
	}

	// Usage history never overrides a missing rule.
	if _, err := s.RecordSend(rome.ID, carthage.ID, 500, "x"); err != nil {
		t.Fatalf("record send: %v", err)
	}
	dec = engine.CanSend(rome.ID, carthage.ID, time.Unix(1000, 0))
	if dec.Allowed || dec.Reason != ReasonNoRule {
		t.Fatalf("expected NO_RULE denial with usage present, got %+v", dec)
	}
}

func TestCanSendFirstUseAllowed(t *testing.T) {
	s := newStore()
	engine, _, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 100, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	dec := engine.CanSend(rome.ID, carthage.ID, time.Unix(1000, 0))
	if !dec.Allowed {
		t.Fatalf("expected first use allowed, got %+v", dec)
	}
	if dec.Rule == nil || dec.Rule.IntervalSeconds != 100 {
		t.Fatalf("expected rule attached to decision, got %+v", dec.Rule)
	}
}

func TestCooldownBoundaryInclusive(t *testing.T) {
	s := newStore()
	engine, _, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 100, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if _, err := s.RecordSend(rome.ID, carthage.ID, 900, "x"); err != nil {
		t.Fatalf("record send: %v", err)
	}

	// elapsed == interval allows.
	dec := engine.CanSend(rome.ID, carthage.ID, time.Unix(1000, 0))
	if !dec.Allowed {
		t.Fatalf("elapsed == interval should allow, got %+v", dec)
	}

	// One second short denies with waitSeconds = 1.
	dec = engine.CanSend(rome.ID, carthage.ID, time.Unix(999, 0))
	if dec.Allowed || dec.Reason != ReasonCooldown || dec.WaitSeconds != 1 {
		t.Fatalf("expected COOLDOWN wait=1, got %+v", dec)
	}
}

func TestRuleSymmetryUsagePerDirection(t *testing.T) {
	s := newStore()
	engine, _, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	// One canonical rule serves both directions regardless of argument order.
	if _, err := s.SetRule(carthage.ID, rome.ID, 100, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if _, err := s.RecordSend(rome.ID, carthage.ID, 1000, "x"); err != nil {
		t.Fatalf("record send: %v", err)
	}

	dec := engine.CanSend(rome.ID, carthage.ID, time.Unix(1050, 0))
	if dec.Allowed {
		t.Fatalf("rome->carthage should be cooling down, got %+v", dec)
	}
	// Opposite direction is untouched by rome->carthage usage.
	dec = engine.CanSend(carthage.ID, rome.ID, time.Unix(1050, 0))
	if !dec.Allowed {
		t.Fatalf("carthage->rome should be allowed, got %+v", dec)
	}
}

func TestCanSendDoesNotMutateUsage(t *testing.T) {
	s := newStore()
	engine, _, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 100, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	for i := 0; i < 3; i++ {
		engine.CanSend(rome.ID, carthage.ID, time.Unix(1000, 0))
	}
	if _, ok := s.LastSent(rome.ID, carthage.ID); ok {
		t.Fatalf("CanSend must not create usage rows")
	}
}

func TestSetRuleValidation(t *testing.T) {
	s := newStore()
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 0, 1); err != ErrBadInterval {
		t.Fatalf("zero interval: got %v, want ErrBadInterval", err)
	}
	if _, err := s.SetRule(rome.ID, carthage.ID, -5, 1); err != ErrBadInterval {
		t.Fatalf("negative interval: got %v, want ErrBadInterval", err)
	}
	if _, err := s.SetRule(rome.ID, carthage.ID, 100, 0); err != ErrBadMaxMessages {
		t.Fatalf("zero max_messages: got %v, want ErrBadMaxMessages", err)
	}
	if _, err := s.SetRule(rome.ID, rome.ID, 100, 1); err != ErrSamePair {
		t.Fatalf("same pair: got %v, want ErrSamePair", err)
	}
	if _, err := s.SetRule(rome.ID, 999, 100, 1); err != ErrUnknownCiv {
		t.Fatalf("unknown civ: got %v, want ErrUnknownCiv", err)
	}

	rule, err := s.SetRule(carthage.ID, rome.ID, 100, 1)
	if err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if rule.CivSmall != rome.ID || rule.CivLarge != carthage.ID {
		t.Fatalf("rule not canonical: %+v", rule)
	}
	if rule.WindowType != windowCooldown {
		t.Fatalf("window type = %q", rule.WindowType)
	}

	// Upsert overwrites all fields for the canonical pair.
	rule, err = s.SetRule(rome.ID, carthage.ID, 200, 2)
	if err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	got, ok := s.RuleBetween(carthage.ID, rome.ID)
	if !ok || got.IntervalSeconds != 200 || got.MaxMessages != 2 {
		t.Fatalf("upsert not visible both directions: ok=%v rule=%+v", ok, got)
	}
}

func TestEndToEndRomeCarthageCadence(t *testing.T) {
	s := newStore()
	engine, courier, _ := newTestEngine(s)
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 86400, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}

	req := SendRequest{
		FromCiv:     rome.ID,
		FromCivName: rome.Name,
		SenderName:  "user-rome",
		Target:      carthage,
		Body:        "peace?",
	}

	res, err := engine.Send(context.Background(), req, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("send at t=0: %v", err)
	}
	if !res.Delivered {
		t.Fatalf("send at t=0 should deliver, got %+v", res)
	}
	if at, ok := s.LastSent(rome.ID, carthage.ID); !ok || at != 0 {
		t.Fatalf("usage(rome->carthage) = %d,%v, want 0,true", at, ok)
	}
	if courier.deliveries() != 1 {
		t.Fatalf("expected 1 delivery, got %d", courier.deliveries())
	}

	res, err = engine.Send(context.Background(), req, time.Unix(3600, 0))
	if err != nil {
		t.Fatalf("send at t=3600: %v", err)
	}
	if res.Delivered || res.Reason != ReasonCooldown || res.WaitSeconds != 82800 {
		t.Fatalf("send at t=3600: got %+v, want COOLDOWN wait=82800", res)
	}

	res, err = engine.Send(context.Background(), req, time.Unix(86400, 0))
	if err != nil {
		t.Fatalf("send at t=86400: %v", err)
	}
	if !res.Delivered {
		t.Fatalf("send at t=86400 should deliver, got %+v", res)
	}
	if s.MessageCount() != 2 {
		t.Fatalf("audit log has %d rows, want 2", s.MessageCount())
	}
}

// Two concurrent sends on the same directional pair must not both slip
// through the gate while the first is suspended in delivery.
func TestConcurrentSameDirectionSendsSerialized(t *testing.T) {
	s := newStore()
	engine, courier, _ := newTestEngine(s)
	courier.delay = 20 * time.Millisecond
	rome, carthage := seedTwoCivs(t, s)

	if _, err := s.SetRule(rome.ID, carthage.ID, 1000, 1); err != nil {
		t.Fatalf("set rule: %v", err)
	}

	req := SendRequest{
		FromCiv:     rome.ID,
		FromCivName: rome.Name,
		SenderName:  "user-rome",
		Target:      carthage,
		Body:        "duplicate",
	}

	var wg sync.WaitGroup
	results := make([]SendResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Send(context.Background(), req, time.Unix(5000, 0))
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	delivered, denied := 0, 0
	for _, res := range results {
		if res.Delivered {
			delivered++
		} else if res.Reason == ReasonCooldown {
			denied++
		}
	}
	if delivered != 1 || denied != 1 {
		t.Fatalf("expected exactly one delivery and one cooldown denial, got %+v", results)
	}
	if s.MessageCount() != 1 {
		t.Fatalf("audit log has %d rows, want 1", s.MessageCount())
	}
	if courier.deliveries() != 1 {
		t.Fatalf("courier saw %d deliveries, want 1", courier.deliveries())
	}
}

func TestConcurrentClaimGMExactlyOne(t *testing.T) {
	s := newStore()

	const n = 16
	var wg sync.WaitGroup
	claims := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimGM(string(rune('a' + i)))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	won := 0
	for _, c := range claims {
		if c {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d claims succeeded, want exactly 1", won)
	}

	gms := 0
	for i := 0; i < n; i++ {
		p, ok := s.PlayerByUser(string(rune('a' + i)))
		if ok && p.Role == roleGM {
			gms++
			if p.CivID != civUnassigned {
				t.Fatalf("self-claimed GM should use the unassigned sentinel, got civ %d", p.CivID)
			}
		}
	}
	if gms != 1 {
		t.Fatalf("%d players hold gm role, want exactly 1", gms)
	}
}

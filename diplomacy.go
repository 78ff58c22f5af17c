package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	ReasonNoRule        = "NO_RULE"
	ReasonCooldown      = "COOLDOWN"
	ReasonNoOwner       = "NO_OWNER"
	ReasonDMFailed      = "DM_FAILED"
	ReasonUnknownCiv    = "UNKNOWN_CIV"
	ReasonSelfTarget    = "SELF_TARGET"
	ReasonNotRegistered = "NOT_REGISTERED"
)

// Decision is the admission gate's verdict for one directional pair.
type Decision struct {
	Allowed     bool
	Reason      string
	WaitSeconds int64
	Rule        *PairRule
}

type SendRequest struct {
	FromCiv     int64
	FromCivName string
	SenderName  string
	Target      Civilization
	Body        string
}

type SendResult struct {
	Delivered   bool
	Reason      string
	WaitSeconds int64
}

// Engine runs the gate -> deliver -> record pipeline. Same-direction requests
// are serialized by a per-directional-pair mutex held across the delivery
// suspension point, so two senders cannot both pass the gate before either
// commits its usage update.
type Engine struct {
	store   *Store
	courier Courier
	mailbox Mailbox

	mu        sync.Mutex
	pairLocks map[DirKey]*sync.Mutex
}

func newEngine(store *Store, courier Courier, mailbox Mailbox) *Engine {
	return &Engine{
		store:     store,
		courier:   courier,
		mailbox:   mailbox,
		pairLocks: map[DirKey]*sync.Mutex{},
	}
}

func (e *Engine) lockFor(key DirKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.pairLocks[key]
	if l == nil {
		l = &sync.Mutex{}
		e.pairLocks[key] = l
	}
	return l
}

// CanSend is check-only: it never mutates usage. Callers must treat ALLOW as
// provisional unless they hold the pair lock.
func (e *Engine) CanSend(fromCiv, toCiv int64, now time.Time) Decision {
	rule, ok := e.store.RuleBetween(fromCiv, toCiv)
	if !ok {
		return Decision{Reason: ReasonNoRule}
	}

	lastSent, ok := e.store.LastSent(fromCiv, toCiv)
	if !ok {
		return Decision{Allowed: true, Rule: &rule}
	}

	elapsed := now.Unix() - lastSent
	if elapsed >= rule.IntervalSeconds {
		return Decision{Allowed: true, Rule: &rule}
	}
	return Decision{
		Reason:      ReasonCooldown,
		WaitSeconds: rule.IntervalSeconds - elapsed,
		Rule:        &rule,
	}
}

// Send attempts one delivery, escalating to the GM mailbox on NO_OWNER or
// courier failure and mirroring successful sends there for audit visibility.
// Usage and audit are recorded only after the courier confirms delivery.
func (e *Engine) Send(ctx context.Context, req SendRequest, now time.Time) (SendResult, error) {
	pair := DirKey{From: req.FromCiv, To: req.Target.ID}
	lock := e.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	dec := e.CanSend(req.FromCiv, req.Target.ID, now)
	if !dec.Allowed {
		sendsDenied.WithLabelValues(dec.Reason).Inc()
		return SendResult{Reason: dec.Reason, WaitSeconds: dec.WaitSeconds}, nil
	}

	owner, ok := e.store.OwnerOf(req.Target.ID)
	if !ok {
		e.post(ctx, "No owner found for target civilization", escalationBody(req, ""))
		sendsDenied.WithLabelValues(ReasonNoOwner).Inc()
		return SendResult{Reason: ReasonNoOwner}, nil
	}

	if err := e.courier.Deliver(ctx, owner.UserID, deliveryText(req.FromCivName, req.Body)); err != nil {
		e.post(ctx, "DM delivery failed", escalationBody(req, err.Error()))
		sendsDenied.WithLabelValues(ReasonDMFailed).Inc()
		return SendResult{Reason: ReasonDMFailed}, nil
	}

	e.post(ctx, "Message sent between civilizations", escalationBody(req, ""))

	if _, err := e.store.RecordSend(req.FromCiv, req.Target.ID, now.Unix(), req.Body); err != nil {
		return SendResult{}, fmt.Errorf("record send: %w", err)
	}
	messagesDelivered.Inc()
	return SendResult{Delivered: true}, nil
}

// post escalates to the mailbox best-effort. A mailbox failure is logged and
// swallowed; it must never alter the delivery result.
func (e *Engine) post(ctx context.Context, title, content string) {
	if err := e.mailbox.Post(ctx, title, content); err != nil {
		mailboxFailures.Inc()
		log.Warn().Err(err).Str("title", title).Msg("gm mailbox post failed")
	}
}

func deliveryText(fromCivName, body string) string {
	return fmt.Sprintf("Diplomatic message received from %s\n> %s", fromCivName, body)
}

func escalationBody(req SendRequest, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To Civ: %s (id=%d)\n", req.Target.Name, req.Target.ID)
	fmt.Fprintf(&b, "From Civ: %s (%s)\n\n", req.FromCivName, req.SenderName)
	fmt.Fprintf(&b, "Message:\n> %s", req.Body)
	if detail != "" {
		fmt.Fprintf(&b, "\n\nDM Error: %s", detail)
	}
	return b.String()
}

// formatDuration renders seconds as at most two units, e.g. "1 day 3 hours".
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	units := []struct {
		name string
		size int64
	}{
		{"week", 7 * 24 * 3600},
		{"day", 24 * 3600},
		{"hour", 3600},
		{"min", 60},
		{"sec", 1},
	}

	var parts []string
	for _, u := range units {
		count := seconds / u.size
		if count > 0 {
			label := u.name
			if count != 1 {
				label += "s"
			}
			parts = append(parts, fmt.Sprintf("%d %s", count, label))
			seconds -= count * u.size
		}
		if len(parts) >= 2 {
			break
		}
	}
	if len(parts) == 0 {
		return "0 sec"
	}
	return strings.Join(parts, " ")
}

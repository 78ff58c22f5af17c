package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	rolePlayer = "player"
	roleGM     = "gm"

	// Sentinel civ reference for a GM claimed before any assignment.
	civUnassigned int64 = -1

	windowCooldown = "cooldown"
)

var (
	ErrCivNameEmpty   = errors.New("civilization name is empty")
	ErrCivExists      = errors.New("civilization already exists")
	ErrUnknownCiv     = errors.New("unknown civilization")
	ErrBadInterval    = errors.New("interval_seconds must be positive")
	ErrBadMaxMessages = errors.New("max_messages must be at least 1")
	ErrSamePair       = errors.New("rule requires two distinct civilizations")
)

type Civilization struct {
	ID   int64
	Name string
}

type Player struct {
	UserID string
	CivID  int64
	Role   string
	// Seq preserves assignment order; the earliest-assigned member of a
	// civilization is its letterbox owner.
	Seq int64
}

// PairKey is the canonical (min, max) form of an unordered civ pair.
type PairKey struct {
	Small int64
	Large int64
}

// DirKey is an ordered (from, to) civ pair; each direction tracks usage on its own.
type DirKey struct {
	From int64
	To   int64
}

type PairRule struct {
	CivSmall        int64
	CivLarge        int64
	IntervalSeconds int64
	MaxMessages     int64
	WindowType      string
}

type Message struct {
	ID      string
	FromCiv int64
	ToCiv   int64
	SentAt  int64
	Body    string
}

type CadenceEntry struct {
	OtherCivName    string
	IntervalSeconds int64
	MaxMessages     int64
	WindowType      string
}

// Store owns every entity. All access goes through its mutex; nothing caches
// rows across calls. When a repo is configured, the SQL write happens before
// the in-memory apply so a failed write leaves no state change.
type Store struct {
	mu sync.Mutex

	Civs     map[int64]*Civilization
	Players  map[string]*Player
	Rules    map[PairKey]*PairRule
	Usage    map[DirKey]int64
	Messages []Message

	NextCivID     int64
	NextPlayerSeq int64

	repo *SQLRepository
}

func newStore() *Store {
	return &Store{
		Civs:    map[int64]*Civilization{},
		Players: map[string]*Player{},
		Rules:   map[PairKey]*PairRule{},
		Usage:   map[DirKey]int64{},
	}
}

func newConfiguredStore() (*Store, error) {
	store := newStore()
	repo, err := openRepositoryFromEnv()
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return store, nil
	}
	store.repo = repo
	if err := repo.LoadInto(context.Background(), store); err != nil {
		return nil, err
	}
	return store, nil
}

// resolvePair canonicalizes an unordered civ pair. Recomputed at every
// access, never cached.
func resolvePair(a, b int64) PairKey {
	if a > b {
		return PairKey{Small: b, Large: a}
	}
	return PairKey{Small: a, Large: b}
}

func (s *Store) CreateCiv(name string) (Civilization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Civilization{}, ErrCivNameEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.civByNameLocked(name) != nil {
		return Civilization{}, ErrCivExists
	}
	civ := Civilization{ID: s.NextCivID + 1, Name: name}
	if s.repo != nil {
		if err := s.repo.InsertCiv(context.Background(), civ); err != nil {
			return Civilization{}, err
		}
	}
	s.NextCivID = civ.ID
	s.Civs[civ.ID] = &civ
	return civ, nil
}

func (s *Store) CivByName(name string) (Civilization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.civByNameLocked(name)
	if c == nil {
		return Civilization{}, false
	}
	return *c, true
}

func (s *Store) CivByID(id int64) (Civilization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.Civs[id]
	if c == nil {
		return Civilization{}, false
	}
	return *c, true
}

func (s *Store) civByNameLocked(name string) *Civilization {
	for _, c := range s.Civs {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// AssignPlayer upserts the player's civ assignment. A fresh row keeps the
// default player role; an existing row keeps its role and its original seq.
func (s *Store) AssignPlayer(userID string, civID int64) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Civs[civID] == nil {
		return Player{}, ErrUnknownCiv
	}

	var next Player
	if existing := s.Players[userID]; existing != nil {
		next = *existing
		next.CivID = civID
	} else {
		next = Player{UserID: userID, CivID: civID, Role: rolePlayer, Seq: s.NextPlayerSeq + 1}
	}
	if s.repo != nil {
		if err := s.repo.UpsertPlayer(context.Background(), next); err != nil {
			return Player{}, err
		}
	}
	if s.Players[userID] == nil {
		s.NextPlayerSeq = next.Seq
	}
	s.Players[userID] = &next
	return next, nil
}

func (s *Store) PlayerByUser(userID string) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.Players[userID]
	if p == nil {
		return Player{}, false
	}
	return *p, true
}

// ClaimGM grants the gm role to userID unless any player already holds it.
// Check and set run in one critical section; the SQL layer keeps a partial
// unique index on role='gm' as a second guard.
func (s *Store) ClaimGM(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.Players {
		if p.Role == roleGM {
			return false, nil
		}
	}

	var next Player
	if existing := s.Players[userID]; existing != nil {
		next = *existing
		next.Role = roleGM
	} else {
		next = Player{UserID: userID, CivID: civUnassigned, Role: roleGM, Seq: s.NextPlayerSeq + 1}
	}
	if s.repo != nil {
		if err := s.repo.UpsertPlayer(context.Background(), next); err != nil {
			return false, err
		}
	}
	if s.Players[userID] == nil {
		s.NextPlayerSeq = next.Seq
	}
	s.Players[userID] = &next
	return true, nil
}

// SetRule upserts the cadence rule for the canonical pair.
func (s *Store) SetRule(civA, civB, intervalSeconds, maxMessages int64) (PairRule, error) {
	if civA == civB {
		return PairRule{}, ErrSamePair
	}
	if intervalSeconds <= 0 {
		return PairRule{}, ErrBadInterval
	}
	if maxMessages < 1 {
		return PairRule{}, ErrBadMaxMessages
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Civs[civA] == nil || s.Civs[civB] == nil {
		return PairRule{}, ErrUnknownCiv
	}
	key := resolvePair(civA, civB)
	rule := PairRule{
		CivSmall:        key.Small,
		CivLarge:        key.Large,
		IntervalSeconds: intervalSeconds,
		MaxMessages:     maxMessages,
		WindowType:      windowCooldown,
	}
	if s.repo != nil {
		if err := s.repo.UpsertRule(context.Background(), rule); err != nil {
			return PairRule{}, err
		}
	}
	s.Rules[key] = &rule
	return rule, nil
}

// RuleBetween looks up the rule for the canonical pair. Absence is a valid
// state, not an error: no diplomacy established.
func (s *Store) RuleBetween(civA, civB int64) (PairRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.Rules[resolvePair(civA, civB)]
	if r == nil {
		return PairRule{}, false
	}
	return *r, true
}

func (s *Store) LastSent(fromCiv, toCiv int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.Usage[DirKey{From: fromCiv, To: toCiv}]
	return at, ok
}

// RecordSend commits a successful send: directional usage upsert plus audit
// append, as one SQL transaction when a repo is configured.
func (s *Store) RecordSend(fromCiv, toCiv, sentAt int64, body string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:      uuid.NewString(),
		FromCiv: fromCiv,
		ToCiv:   toCiv,
		SentAt:  sentAt,
		Body:    body,
	}
	if s.repo != nil {
		if err := s.repo.RecordSend(context.Background(), msg); err != nil {
			return Message{}, err
		}
	}
	s.Usage[DirKey{From: fromCiv, To: toCiv}] = sentAt
	s.Messages = append(s.Messages, msg)
	return msg, nil
}

// OwnerOf resolves the letterbox owner of a civ: the earliest-assigned member
// still on its roster. No fallback to later members.
func (s *Store) OwnerOf(civID int64) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner *Player
	for _, p := range s.Players {
		if p.CivID != civID {
			continue
		}
		if owner == nil || p.Seq < owner.Seq {
			owner = p
		}
	}
	if owner == nil {
		return Player{}, false
	}
	return *owner, true
}

// CadenceFor lists every rule involving civID, sorted by interval ascending
// then case-insensitive other-party name.
func (s *Store) CadenceFor(civID int64) []CadenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CadenceEntry
	for key, rule := range s.Rules {
		var otherID int64
		switch civID {
		case key.Small:
			otherID = key.Large
		case key.Large:
			otherID = key.Small
		default:
			continue
		}
		otherName := ""
		if other := s.Civs[otherID]; other != nil {
			otherName = other.Name
		}
		out = append(out, CadenceEntry{
			OtherCivName:    otherName,
			IntervalSeconds: rule.IntervalSeconds,
			MaxMessages:     rule.MaxMessages,
			WindowType:      rule.WindowType,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IntervalSeconds != out[j].IntervalSeconds {
			return out[i].IntervalSeconds < out[j].IntervalSeconds
		}
		return strings.ToLower(out[i].OtherCivName) < strings.ToLower(out[j].OtherCivName)
	})
	return out
}

func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Messages)
}

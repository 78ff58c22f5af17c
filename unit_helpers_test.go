package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCourier struct {
	mu       sync.Mutex
	fail     bool
	delay    time.Duration
	userIDs  []string
	contents []string
}

func (c *fakeCourier) Deliver(_ context.Context, userID, content string) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userIDs = append(c.userIDs, userID)
	c.contents = append(c.contents, content)
	if c.fail {
		return errors.New("recipient unreachable")
	}
	return nil
}

func (c *fakeCourier) deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.userIDs)
}

type mailboxPost struct {
	title   string
	content string
}

type fakeMailbox struct {
	mu    sync.Mutex
	err   error
	posts []mailboxPost
}

func (m *fakeMailbox) Post(_ context.Context, title, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, mailboxPost{title: title, content: content})
	return m.err
}

func (m *fakeMailbox) titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.posts))
	for i, p := range m.posts {
		out[i] = p.title
	}
	return out
}

func newTestEngine(store *Store) (*Engine, *fakeCourier, *fakeMailbox) {
	courier := &fakeCourier{}
	mailbox := &fakeMailbox{}
	return newEngine(store, courier, mailbox), courier, mailbox
}

// seedTwoCivs sets up Rome and Carthage with one owner each.
func seedTwoCivs(t *testing.T, s *Store) (rome, carthage Civilization) {
	t.Helper()
	rome, err := s.CreateCiv("Rome")
	if err != nil {
		t.Fatalf("create Rome: %v", err)
	}
	carthage, err = s.CreateCiv("Carthage")
	if err != nil {
		t.Fatalf("create Carthage: %v", err)
	}
	if _, err := s.AssignPlayer("user-rome", rome.ID); err != nil {
		t.Fatalf("assign user-rome: %v", err)
	}
	if _, err := s.AssignPlayer("user-carthage", carthage.ID); err != nil {
		t.Fatalf("assign user-carthage: %v", err)
	}
	return rome, carthage
}

func TestResolvePairCanonicalization(t *testing.T) {
	pairs := [][2]int64{{1, 2}, {2, 1}, {7, 3}, {3, 7}, {100, 5}}
	for _, p := range pairs {
		got := resolvePair(p[0], p[1])
		rev := resolvePair(p[1], p[0])
		if got != rev {
			t.Fatalf("resolvePair(%d,%d)=%+v != resolvePair(%d,%d)=%+v", p[0], p[1], got, p[1], p[0], rev)
		}
		if got.Small > got.Large {
			t.Fatalf("resolvePair(%d,%d) not canonical: %+v", p[0], p[1], got)
		}
	}
}

func TestFormatDurationTwoUnitCap(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0 sec"},
		{-5, "0 sec"},
		{1, "1 sec"},
		{59, "59 secs"},
		{60, "1 min"},
		{61, "1 min 1 sec"},
		{3600, "1 hour"},
		{3661, "1 hour 1 min"},
		{86400, "1 day"},
		{97200, "1 day 3 hours"},
		{82800, "23 hours"},
		{7*24*3600 + 86400, "1 week 1 day"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.seconds); got != tc.want {
			t.Fatalf("formatDuration(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}

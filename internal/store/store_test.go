package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayworks/payagent/internal/domain"
)

func TestGetOrCreateNewSession(t *testing.T) {
	t.Parallel()

	st := New()
	sess, created := st.GetOrCreate("s1", "Create a payment link")

	if !created {
		t.Fatal("Expected session to be created")
	}
	if sess.OriginalRequest != "Create a payment link" {
		t.Errorf("Expected original request to be set, got %q", sess.OriginalRequest)
	}
	if sess.AttemptCount != 0 {
		t.Errorf("Expected zero attempts, got %d", sess.AttemptCount)
	}
	if len(sess.History) != 0 {
		t.Errorf("Expected empty history, got %d turns", len(sess.History))
	}
}

func TestGetOrCreatePreservesOriginalRequest(t *testing.T) {
	t.Parallel()

	st := New()
	st.GetOrCreate("s1", "first message")

	sess, created := st.GetOrCreate("s1", "second message")
	if created {
		t.Fatal("Expected existing session, got a new one")
	}
	if sess.OriginalRequest != "first message" {
		t.Errorf("Original request was overwritten: %q", sess.OriginalRequest)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	st := New()
	st.GetOrCreate("s1", "original")

	sess, err := st.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	sess.Append(domain.SpeakerUser, "mutated")
	sess.AttemptCount = 9

	fresh, err := st.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(fresh.History) != 0 || fresh.AttemptCount != 0 {
		t.Errorf("Mutation of returned copy leaked into store: %+v", fresh)
	}
}

func TestGetMissingSession(t *testing.T) {
	t.Parallel()

	st := New()
	if _, err := st.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestSavePersistsState(t *testing.T) {
	t.Parallel()

	st := New()
	sess, _ := st.GetOrCreate("s1", "original")
	sess.Append(domain.SpeakerUser, "original")
	sess.Append(domain.SpeakerAgent, "Please provide the email address.")
	sess.AttemptCount = 1
	st.Save(sess)

	got, err := st.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.History) != 2 {
		t.Errorf("Expected 2 turns after save, got %d", len(got.History))
	}
	if got.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1 after save, got %d", got.AttemptCount)
	}
}

func TestSaveAfterDeleteRecreates(t *testing.T) {
	t.Parallel()

	st := New()
	sess, _ := st.GetOrCreate("s1", "original")
	sess.Append(domain.SpeakerUser, "original")

	st.Delete("s1")
	st.Save(sess)

	got, err := st.Get("s1")
	if err != nil {
		t.Fatalf("Expected session recreated by save, got %v", err)
	}
	if len(got.History) != 1 {
		t.Errorf("Expected saved history to survive, got %d turns", len(got.History))
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	st := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created := st.GetOrCreate("shared", "first")
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creation, got %d", createdCount)
	}
	if st.Len() != 1 {
		t.Errorf("Expected one session, got %d", st.Len())
	}
}

func TestListIDs(t *testing.T) {
	t.Parallel()

	st := New()
	st.GetOrCreate("a", "x")
	st.GetOrCreate("b", "y")

	ids := st.ListIDs()
	if len(ids) != 2 {
		t.Errorf("Expected 2 ids, got %v", ids)
	}
}

func TestExpiredIDs(t *testing.T) {
	t.Parallel()

	st := New()

	old, _ := st.GetOrCreate("old", "stale request")
	old.Append(domain.SpeakerUser, "stale request")
	old.LastActive = time.Now().Add(-25 * time.Hour)
	st.Save(old)

	fresh, _ := st.GetOrCreate("fresh", "recent request")
	fresh.Append(domain.SpeakerUser, "recent request")
	fresh.LastActive = time.Now().Add(-1 * time.Hour)
	st.Save(fresh)

	empty, _ := st.GetOrCreate("empty", "never followed up")
	empty.LastActive = time.Now()
	st.Save(empty)

	expired := st.ExpiredIDs(24 * time.Hour)
	if len(expired) != 2 {
		t.Fatalf("Expected 2 expired sessions, got %v", expired)
	}
	for _, id := range expired {
		if id == "fresh" {
			t.Error("Recently active session marked expired")
		}
	}
}

func TestReapExpiredSessions(t *testing.T) {
	t.Parallel()

	st := New()

	old, _ := st.GetOrCreate("old", "stale request")
	old.Append(domain.SpeakerUser, "stale request")
	old.LastActive = time.Now().Add(-25 * time.Hour)
	st.Save(old)

	fresh, _ := st.GetOrCreate("fresh", "recent request")
	fresh.Append(domain.SpeakerUser, "recent request")
	st.Save(fresh)

	var reaped []string
	reapExpiredSessions(st, 24*time.Hour, func(id string) {
		reaped = append(reaped, id)
	})

	if _, err := st.Get("old"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("Expected stale session to be reaped")
	}
	if _, err := st.Get("fresh"); err != nil {
		t.Errorf("Expected fresh session to survive, got %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "old" {
		t.Errorf("Expected reap callback for old session only, got %v", reaped)
	}
}

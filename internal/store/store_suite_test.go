package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// participationStore is the surface shared by MemoryStore and PostgresStore.
type participationStore interface {
	GetDiscussion(context.Context, string) (Discussion, error)
	JoinDiscussion(context.Context, string, string, JoinDecision) (Participation, error)
	TransitionParticipation(context.Context, string, string, Status, *int) (Participation, error)
	DeleteParticipation(context.Context, string, string) (bool, error)
	GetParticipation(context.Context, string, string) (Participation, error)
	ListParticipations(context.Context, string, ListFilter) ([]Participation, error)
	CountApproved(context.Context, string) (int, error)
	CountByStatus(context.Context, string) (StatusCounts, error)
}

type storeFactory func(t *testing.T, discussions ...Discussion) participationStore

func intPtr(v int) *int { return &v }

func always(status Status) JoinDecision {
	return func(int) Status { return status }
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("join creates one row per user", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator"})
		ctx := context.Background()

		first, err := s.JoinDiscussion(ctx, "d1", "alice", always(StatusPending))
		if err != nil {
			t.Fatalf("JoinDiscussion() error = %v", err)
		}
		if first.Status != StatusPending || first.RequestedBy != "alice" || first.ID == "" {
			t.Fatalf("unexpected participation: %+v", first)
		}

		_, err = s.JoinDiscussion(ctx, "d1", "alice", always(StatusApproved))
		var dup *DuplicateError
		if !errors.As(err, &dup) {
			t.Fatalf("expected DuplicateError, got %v", err)
		}
		if dup.Existing.ID != first.ID || dup.Existing.Status != StatusPending {
			t.Fatalf("duplicate should report the stored row, got %+v", dup.Existing)
		}
	})

	t.Run("join unknown discussion", func(t *testing.T) {
		s := newStore(t)
		_, err := s.JoinDiscussion(context.Background(), "missing", "alice", always(StatusPending))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("join decision sees approved count", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator", Capacity: intPtr(1)})
		ctx := context.Background()

		var seen []int
		decide := func(approved int) Status {
			seen = append(seen, approved)
			if approved < 1 {
				return StatusApproved
			}
			return StatusPending
		}
		a, err := s.JoinDiscussion(ctx, "d1", "alice", decide)
		if err != nil {
			t.Fatalf("join alice: %v", err)
		}
		b, err := s.JoinDiscussion(ctx, "d1", "bob", decide)
		if err != nil {
			t.Fatalf("join bob: %v", err)
		}
		if a.Status != StatusApproved || b.Status != StatusPending {
			t.Fatalf("statuses = %s, %s", a.Status, b.Status)
		}
		if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
			t.Fatalf("decision inputs = %v", seen)
		}
	})

	t.Run("concurrent duplicate joins create a single row", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator"})
		ctx := context.Background()

		const attempts = 16
		results := make([]error, attempts)
		var g errgroup.Group
		for i := 0; i < attempts; i++ {
			i := i
			g.Go(func() error {
				_, err := s.JoinDiscussion(ctx, "d1", "alice", always(StatusApproved))
				results[i] = err
				return nil
			})
		}
		_ = g.Wait()

		created := 0
		for _, err := range results {
			var dup *DuplicateError
			switch {
			case err == nil:
				created++
			case errors.As(err, &dup):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if created != 1 {
			t.Fatalf("created %d rows, want 1", created)
		}
		rows, err := s.ListParticipations(ctx, "d1", ListFilter{})
		if err != nil {
			t.Fatalf("ListParticipations() error = %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("stored %d rows, want 1", len(rows))
		}
	})

	t.Run("transition enforces capacity only when entering approved", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator", Capacity: intPtr(1)})
		ctx := context.Background()
		capacity := intPtr(1)

		a, _ := s.JoinDiscussion(ctx, "d1", "alice", always(StatusApproved))
		b, _ := s.JoinDiscussion(ctx, "d1", "bob", always(StatusPending))

		if _, err := s.TransitionParticipation(ctx, "d1", b.ID, StatusApproved, capacity); !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
		if got, _ := s.GetParticipation(ctx, "d1", "bob"); got.Status != StatusPending {
			t.Fatalf("bob status changed to %s", got.Status)
		}

		// Re-approving an approved row never consults capacity.
		if _, err := s.TransitionParticipation(ctx, "d1", a.ID, StatusApproved, capacity); err != nil {
			t.Fatalf("approve already-approved: %v", err)
		}

		if _, err := s.TransitionParticipation(ctx, "d1", a.ID, StatusRejected, capacity); err != nil {
			t.Fatalf("reject alice: %v", err)
		}
		updated, err := s.TransitionParticipation(ctx, "d1", b.ID, StatusApproved, capacity)
		if err != nil {
			t.Fatalf("approve bob after seat freed: %v", err)
		}
		if updated.Status != StatusApproved {
			t.Fatalf("bob status = %s", updated.Status)
		}
		if !updated.CreatedAt.Equal(b.CreatedAt) {
			t.Fatalf("createdAt changed: %v -> %v", b.CreatedAt, updated.CreatedAt)
		}
	})

	t.Run("transition of participation in another discussion", func(t *testing.T) {
		s := newStore(t,
			Discussion{ID: "d1", CreatorID: "creator"},
			Discussion{ID: "d2", CreatorID: "creator"},
		)
		ctx := context.Background()
		p, _ := s.JoinDiscussion(ctx, "d2", "alice", always(StatusPending))
		if _, err := s.TransitionParticipation(ctx, "d1", p.ID, StatusApproved, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent approvals never exceed capacity", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator", Capacity: intPtr(3)})
		ctx := context.Background()

		ids := make([]string, 0, 12)
		for i := 0; i < 12; i++ {
			p, err := s.JoinDiscussion(ctx, "d1", fmt.Sprintf("user-%02d", i), always(StatusPending))
			if err != nil {
				t.Fatalf("join: %v", err)
			}
			ids = append(ids, p.ID)
		}

		var g errgroup.Group
		for _, id := range ids {
			id := id
			g.Go(func() error {
				_, err := s.TransitionParticipation(ctx, "d1", id, StatusApproved, intPtr(3))
				if err != nil && !errors.Is(err, ErrCapacityExceeded) {
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("transition: %v", err)
		}

		approved, err := s.CountApproved(ctx, "d1")
		if err != nil {
			t.Fatalf("CountApproved() error = %v", err)
		}
		if approved != 3 {
			t.Fatalf("approved = %d, want 3", approved)
		}
	})

	t.Run("delete is idempotent and frees the natural key", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator"})
		ctx := context.Background()

		first, _ := s.JoinDiscussion(ctx, "d1", "alice", always(StatusApproved))
		deleted, err := s.DeleteParticipation(ctx, "d1", "alice")
		if err != nil || !deleted {
			t.Fatalf("DeleteParticipation() = %v, %v", deleted, err)
		}
		deleted, err = s.DeleteParticipation(ctx, "d1", "alice")
		if err != nil || deleted {
			t.Fatalf("second DeleteParticipation() = %v, %v", deleted, err)
		}
		if _, err := s.GetParticipation(ctx, "d1", "alice"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}

		again, err := s.JoinDiscussion(ctx, "d1", "alice", always(StatusApproved))
		if err != nil {
			t.Fatalf("rejoin: %v", err)
		}
		if again.ID == first.ID {
			t.Fatal("rejoin reused the deleted row id")
		}
	})

	t.Run("list orders by creation and filters", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator"})
		ctx := context.Background()

		for i, status := range []Status{StatusApproved, StatusPending, StatusApproved, StatusRejected, StatusApproved} {
			if _, err := s.JoinDiscussion(ctx, "d1", fmt.Sprintf("user-%d", i), always(status)); err != nil {
				t.Fatalf("join: %v", err)
			}
		}

		all, err := s.ListParticipations(ctx, "d1", ListFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for i := range all {
			if all[i].UserID != fmt.Sprintf("user-%d", i) {
				t.Fatalf("row %d = %s", i, all[i].UserID)
			}
		}

		approved := StatusApproved
		limited, err := s.ListParticipations(ctx, "d1", ListFilter{Status: &approved, Limit: 2})
		if err != nil {
			t.Fatalf("list approved: %v", err)
		}
		if len(limited) != 2 || limited[0].UserID != "user-0" || limited[1].UserID != "user-2" {
			t.Fatalf("unexpected approved page: %+v", limited)
		}

		counts, err := s.CountByStatus(ctx, "d1")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts.Approved != 3 || counts.Pending != 1 || counts.Rejected != 1 || counts.Total() != 5 {
			t.Fatalf("counts = %+v", counts)
		}
	})

	t.Run("counts default to zero", func(t *testing.T) {
		s := newStore(t, Discussion{ID: "d1", CreatorID: "creator"})
		counts, err := s.CountByStatus(context.Background(), "d1")
		if err != nil {
			t.Fatalf("CountByStatus() error = %v", err)
		}
		if counts != (StatusCounts{}) {
			t.Fatalf("counts = %+v", counts)
		}
	})
}

// steppingClock returns strictly increasing timestamps so insertion order is
// observable through createdAt.
func steppingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookclub/api/internal/util"
)

// MemoryStore keeps discussions and participations in process. Each
// discussion has its own shard lock so writes to different discussions never
// contend; the outer lock only guards the shard map.
type MemoryStore struct {
	mu          sync.RWMutex
	discussions map[string]Discussion
	shards      map[string]*memoryShard
	now         func() time.Time
}

type memoryShard struct {
	mu   sync.Mutex
	rows []Participation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		discussions: make(map[string]Discussion),
		shards:      make(map[string]*memoryShard),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for createdAt/updatedAt.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// PutDiscussion seeds a discussion record. The discussion service owns these
// rows in production; the memory store needs them for tests and local runs.
func (s *MemoryStore) PutDiscussion(d Discussion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions[d.ID] = d
	if _, ok := s.shards[d.ID]; !ok {
		s.shards[d.ID] = &memoryShard{}
	}
}

// PutRawParticipation stores a row as-is, bypassing validation. It exists to
// reproduce legacy rows written before statuses were canonicalized.
func (s *MemoryStore) PutRawParticipation(p Participation) {
	shard := s.shard(p.DiscussionID)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.rows = append(shard.rows, p)
}

func (s *MemoryStore) GetDiscussion(ctx context.Context, discussionID string) (Discussion, error) {
	if err := ctx.Err(); err != nil {
		return Discussion{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discussions[discussionID]
	if !ok {
		return Discussion{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) shard(discussionID string) *memoryShard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[discussionID]
}

// lock acquires the shard for a discussion, giving up when ctx ends.
func (s *MemoryStore) lock(ctx context.Context, discussionID string) (*memoryShard, error) {
	shard := s.shard(discussionID)
	if shard == nil {
		return nil, ErrNotFound
	}
	acquired := make(chan struct{})
	go func() {
		shard.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return shard, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			shard.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) JoinDiscussion(ctx context.Context, discussionID, userID string, decide JoinDecision) (Participation, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return Participation{}, err
	}
	defer shard.mu.Unlock()

	approved := 0
	for _, row := range shard.rows {
		if row.UserID == userID {
			return Participation{}, &DuplicateError{Existing: row}
		}
		if row.Status == StatusApproved {
			approved++
		}
	}

	now := s.now()
	p := Participation{
		ID:           util.NewID("pt"),
		DiscussionID: discussionID,
		UserID:       userID,
		RequestedBy:  userID,
		Status:       decide(approved),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	shard.rows = append(shard.rows, p)
	return p, nil
}

func (s *MemoryStore) TransitionParticipation(ctx context.Context, discussionID, participationID string, next Status, capacity *int) (Participation, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return Participation{}, err
	}
	defer shard.mu.Unlock()

	idx := -1
	approved := 0
	for i, row := range shard.rows {
		if row.ID == participationID {
			idx = i
		}
		if row.Status == StatusApproved {
			approved++
		}
	}
	if idx < 0 {
		return Participation{}, ErrNotFound
	}

	current := shard.rows[idx]
	if next == StatusApproved && current.Status != StatusApproved && capacity != nil && approved >= *capacity {
		return Participation{}, ErrCapacityExceeded
	}
	current.Status = next
	current.UpdatedAt = s.now()
	shard.rows[idx] = current
	return current, nil
}

func (s *MemoryStore) DeleteParticipation(ctx context.Context, discussionID, userID string) (bool, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return false, err
	}
	defer shard.mu.Unlock()

	for i, row := range shard.rows {
		if row.UserID == userID {
			shard.rows = append(shard.rows[:i], shard.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetParticipation(ctx context.Context, discussionID, userID string) (Participation, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return Participation{}, err
	}
	defer shard.mu.Unlock()

	for _, row := range shard.rows {
		if row.UserID == userID {
			return row, nil
		}
	}
	return Participation{}, ErrNotFound
}

func (s *MemoryStore) ListParticipations(ctx context.Context, discussionID string, filter ListFilter) ([]Participation, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	rows := make([]Participation, 0, len(shard.rows))
	for _, row := range shard.rows {
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		rows = append(rows, row)
	}
	shard.mu.Unlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	return rows, nil
}

func (s *MemoryStore) CountApproved(ctx context.Context, discussionID string) (int, error) {
	counts, err := s.CountByStatus(ctx, discussionID)
	if err != nil {
		return 0, err
	}
	return counts.Approved, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, discussionID string) (StatusCounts, error) {
	shard, err := s.lock(ctx, discussionID)
	if err != nil {
		return StatusCounts{}, err
	}
	defer shard.mu.Unlock()

	var counts StatusCounts
	for _, row := range shard.rows {
		switch row.Status {
		case StatusPending:
			counts.Pending++
		case StatusApproved:
			counts.Approved++
		case StatusRejected:
			counts.Rejected++
		default:
			counts.Invalid++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

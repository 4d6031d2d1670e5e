package store

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

type seedDiscussion struct {
	ID          string     `json:"id"`
	CreatorID   string     `json:"creatorId"`
	Title       string     `json:"title"`
	Capacity    *int       `json:"capacity"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

// SeedDiscussions loads a JSON array of discussions into s and returns how
// many were stored.
func SeedDiscussions(s *MemoryStore, r io.Reader) (int, error) {
	var items []seedDiscussion
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&items); err != nil {
		return 0, fmt.Errorf("decode seed discussions: %w", err)
	}
	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.CreatorID) == "" {
			return 0, fmt.Errorf("seed discussion %d: id and creatorId are required", i)
		}
		if item.Capacity != nil && *item.Capacity < 0 {
			return 0, fmt.Errorf("seed discussion %q: capacity must not be negative", item.ID)
		}
	}
	for _, item := range items {
		s.PutDiscussion(Discussion{
			ID:          item.ID,
			CreatorID:   item.CreatorID,
			Title:       item.Title,
			Capacity:    item.Capacity,
			ScheduledAt: item.ScheduledAt,
		})
	}
	return len(items), nil
}

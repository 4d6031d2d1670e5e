package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a participation. Values written by this
// package are always one of the three canonical constants; rows written by
// older clients may carry anything, so readers must check Valid.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// ParseStatus accepts any casing and surrounding whitespace.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("invalid participation status %q", value)
	}
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// Discussion is owned by the discussion service; this package only reads it.
type Discussion struct {
	ID          string
	CreatorID   string
	Title       string
	Capacity    *int
	ScheduledAt *time.Time
}

// DiscussionReader is the read-only view of the discussion service.
type DiscussionReader interface {
	GetDiscussion(ctx context.Context, discussionID string) (Discussion, error)
}

// HasCapacity reports whether the discussion limits approved participants.
func (d Discussion) HasCapacity() bool {
	return d.Capacity != nil
}

type Participation struct {
	ID           string
	DiscussionID string
	UserID       string
	RequestedBy  string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type StatusCounts struct {
	Pending  int
	Approved int
	Rejected int
	// Rows whose stored status is not canonical.
	Invalid int
}

func (c StatusCounts) Total() int {
	return c.Pending + c.Approved + c.Rejected + c.Invalid
}

// ListFilter narrows ListParticipations. A zero Limit means no limit.
type ListFilter struct {
	Status *Status
	Limit  int
}

// JoinDecision picks the initial status of a new participation from the
// approved count observed under the discussion lock.
type JoinDecision func(approved int) Status

package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bookclub/api/internal/auth"
	"bookclub/api/internal/rbac"
	"bookclub/api/internal/store"
)

// View selects which projection ListParticipants returns.
type View string

const (
	// ViewPublic lists approved participants only, with identity and join time.
	ViewPublic View = "public"
	// ViewManager lists every participant with full status detail. Creator only.
	ViewManager View = "manager"
)

// ParticipantView is the only shape participant rows leave the service in.
// Public projections carry UserID and CreatedAt; the rest is manager detail.
type ParticipantView struct {
	ID             string       `json:"id,omitempty"`
	UserID         string       `json:"userId"`
	RequestedBy    string       `json:"requestedBy,omitempty"`
	Status         store.Status `json:"status,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      *time.Time   `json:"updatedAt,omitempty"`
	IntegrityFault bool         `json:"integrityFault,omitempty"`
}

type DiscussionView struct {
	ID          string     `json:"id"`
	CreatorID   string     `json:"creatorId"`
	Title       string     `json:"title"`
	Capacity    *int       `json:"capacity"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type CountsView struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}

// PublicSummary is what a discussion page shows to anyone.
type PublicSummary struct {
	ParticipantsCount int               `json:"participantsCount"`
	Participants      []ParticipantView `json:"participants"`
	Participation     *ParticipantView  `json:"participation"`
}

// DiscussionDetail is the discussion page payload. Participants and Counts
// are only filled for the creator when requested.
type DiscussionDetail struct {
	Discussion        DiscussionView    `json:"discussion"`
	ParticipantsCount int               `json:"participantsCount"`
	Participants      []ParticipantView `json:"participants,omitempty"`
	Counts            *CountsView       `json:"counts,omitempty"`
}

func (s *Service) ListParticipants(ctx context.Context, discussionID string, caller auth.Caller, view View) ([]ParticipantView, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	if view != ViewPublic && view != ViewManager {
		return nil, errInvalidArgument("view must be public or manager", map[string]any{"view": view})
	}
	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	if view == ViewManager {
		if err := s.requireCreator(caller, discussion, rbac.ActionViewManager); err != nil {
			return nil, err
		}
		return s.managerList(ctx, discussion.ID)
	}
	return s.publicList(ctx, discussion.ID)
}

func (s *Service) managerList(ctx context.Context, discussionID string) ([]ParticipantView, error) {
	rows, err := s.store.ListParticipations(ctx, discussionID, store.ListFilter{})
	if err != nil {
		return nil, s.translate(err, "Discussion not found")
	}
	items := make([]ParticipantView, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.project(row, ViewManager))
	}
	return items, nil
}

func (s *Service) publicList(ctx context.Context, discussionID string) ([]ParticipantView, error) {
	approved := store.StatusApproved
	rows, err := s.store.ListParticipations(ctx, discussionID, store.ListFilter{
		Status: &approved,
		Limit:  s.cfg.PublicPreviewLimit,
	})
	if err != nil {
		return nil, s.translate(err, "Discussion not found")
	}
	items := make([]ParticipantView, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.project(row, ViewPublic))
	}
	return items, nil
}

// CountApproved is recomputed from the store on every call.
func (s *Service) CountApproved(ctx context.Context, discussionID string) (int, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return 0, err
	}
	count, err := s.store.CountApproved(ctx, discussion.ID)
	if err != nil {
		return 0, s.translate(err, "Discussion not found")
	}
	return count, nil
}

func (s *Service) CountByStatus(ctx context.Context, discussionID string) (store.StatusCounts, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return store.StatusCounts{}, err
	}
	counts, err := s.store.CountByStatus(ctx, discussion.ID)
	if err != nil {
		return store.StatusCounts{}, s.translate(err, "Discussion not found")
	}
	if counts.Invalid > 0 {
		s.log.Warn("participations with non-canonical status",
			zap.String("discussion_id", discussion.ID),
			zap.Int("count", counts.Invalid),
		)
	}
	return counts, nil
}

// CallerParticipation returns the caller's own record, or nil when the
// caller is anonymous or has not joined.
func (s *Service) CallerParticipation(ctx context.Context, discussionID string, caller auth.Caller) (*ParticipantView, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return nil, err
	}
	return s.callerParticipation(ctx, discussion.ID, caller)
}

func (s *Service) callerParticipation(ctx context.Context, discussionID string, caller auth.Caller) (*ParticipantView, error) {
	if caller.IsAnonymous() {
		return nil, nil
	}
	row, err := s.store.GetParticipation(ctx, discussionID, caller.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, s.translate(err, "Discussion not found")
	}
	view := s.project(row, ViewManager)
	return &view, nil
}

// PublicSummary combines the approved count, the public preview and the
// caller's own record for a discussion page.
func (s *Service) PublicSummary(ctx context.Context, discussionID string, caller auth.Caller) (PublicSummary, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return PublicSummary{}, err
	}
	count, err := s.store.CountApproved(ctx, discussion.ID)
	if err != nil {
		return PublicSummary{}, s.translate(err, "Discussion not found")
	}
	preview, err := s.publicList(ctx, discussion.ID)
	if err != nil {
		return PublicSummary{}, err
	}
	own, err := s.callerParticipation(ctx, discussion.ID, caller)
	if err != nil {
		return PublicSummary{}, err
	}
	return PublicSummary{
		ParticipantsCount: count,
		Participants:      preview,
		Participation:     own,
	}, nil
}

// Discussion returns the discussion with its approved count. With
// includeParticipants the caller must be the creator and gets the manager
// list plus per-status counts.
func (s *Service) Discussion(ctx context.Context, discussionID string, caller auth.Caller, includeParticipants bool) (DiscussionDetail, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return DiscussionDetail{}, err
	}
	if includeParticipants {
		if err := s.requireCreator(caller, discussion, rbac.ActionViewManager); err != nil {
			return DiscussionDetail{}, err
		}
	}

	detail := DiscussionDetail{
		Discussion: DiscussionView{
			ID:          discussion.ID,
			CreatorID:   discussion.CreatorID,
			Title:       discussion.Title,
			Capacity:    discussion.Capacity,
			ScheduledAt: discussion.ScheduledAt,
		},
	}
	if !includeParticipants {
		count, err := s.store.CountApproved(ctx, discussion.ID)
		if err != nil {
			return DiscussionDetail{}, s.translate(err, "Discussion not found")
		}
		detail.ParticipantsCount = count
		return detail, nil
	}

	counts, err := s.store.CountByStatus(ctx, discussion.ID)
	if err != nil {
		return DiscussionDetail{}, s.translate(err, "Discussion not found")
	}
	participants, err := s.managerList(ctx, discussion.ID)
	if err != nil {
		return DiscussionDetail{}, err
	}
	detail.ParticipantsCount = counts.Approved
	detail.Participants = participants
	detail.Counts = &CountsView{
		Pending:  counts.Pending,
		Approved: counts.Approved,
		Rejected: counts.Rejected,
		Total:    counts.Total(),
	}
	return detail, nil
}

func (s *Service) requireCreator(caller auth.Caller, discussion store.Discussion, action rbac.Action) error {
	if caller.IsAnonymous() {
		return errUnauthenticated()
	}
	if !rbac.Can(rbac.RelationOf(caller.UserID, discussion.CreatorID, false), action) {
		return errForbidden("Only the discussion creator can see participant details")
	}
	return nil
}

// project builds the outward view of a row. A stored status outside the
// canonical set is shown as approved and flagged; it never reaches the
// public projection because public reads filter on the canonical value.
func (s *Service) project(row store.Participation, view View) ParticipantView {
	if view == ViewPublic {
		return ParticipantView{
			UserID:    row.UserID,
			CreatedAt: row.CreatedAt,
		}
	}

	updatedAt := row.UpdatedAt
	item := ParticipantView{
		ID:          row.ID,
		UserID:      row.UserID,
		RequestedBy: row.RequestedBy,
		Status:      row.Status,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   &updatedAt,
	}
	if !row.Status.Valid() {
		s.log.Warn("participation has non-canonical status",
			zap.String("discussion_id", row.DiscussionID),
			zap.String("participation_id", row.ID),
			zap.String("raw_status", string(row.Status)),
		)
		item.Status = store.StatusApproved
		item.IntegrityFault = true
	}
	return item
}

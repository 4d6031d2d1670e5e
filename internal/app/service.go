package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"bookclub/api/internal/auth"
	"bookclub/api/internal/config"
	"bookclub/api/internal/rbac"
	"bookclub/api/internal/store"
)

// participationStore is everything the services need from persistence. The
// discussion methods are read-only; discussions are owned elsewhere.
type participationStore interface {
	store.DiscussionReader
	JoinDiscussion(context.Context, string, string, store.JoinDecision) (store.Participation, error)
	TransitionParticipation(context.Context, string, string, store.Status, *int) (store.Participation, error)
	DeleteParticipation(context.Context, string, string) (bool, error)
	GetParticipation(context.Context, string, string) (store.Participation, error)
	ListParticipations(context.Context, string, store.ListFilter) ([]store.Participation, error)
	CountApproved(context.Context, string) (int, error)
	CountByStatus(context.Context, string) (store.StatusCounts, error)
	Ping(context.Context) error
}

// Service is the write path for participations. It is the only code that
// mutates the participation store.
type Service struct {
	cfg   config.Config
	store participationStore
	log   *zap.Logger
}

func New(cfg config.Config, dataStore participationStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:   cfg,
		store: dataStore,
		log:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RequestJoin records the caller's request to take part in a discussion.
// Without a capacity limit the request is approved immediately. With one, the
// configured join policy decides between auto-approval while seats remain and
// leaving every request pending for the creator.
func (s *Service) RequestJoin(ctx context.Context, discussionID string, caller auth.Caller) (store.Participation, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	if caller.IsAnonymous() {
		return store.Participation{}, errUnauthenticated()
	}
	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return store.Participation{}, err
	}
	if !rbac.Can(rbac.RelationOf(caller.UserID, discussion.CreatorID, false), rbac.ActionRequestJoin) {
		return store.Participation{}, errForbidden("You cannot join this discussion")
	}

	created, err := s.store.JoinDiscussion(ctx, discussion.ID, caller.UserID, s.joinDecision(discussion))
	if err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			existing := s.project(dup.Existing, ViewManager)
			return dup.Existing, domainError(http.StatusConflict, CodeConflict, "You have already requested to join this discussion", map[string]any{
				"status":        existing.Status,
				"participation": existing,
			})
		}
		return store.Participation{}, s.translate(err, "Discussion not found")
	}

	s.log.Info("participation requested",
		zap.String("discussion_id", created.DiscussionID),
		zap.String("participation_id", created.ID),
		zap.String("user_id", created.UserID),
		zap.String("status", string(created.Status)),
	)
	return created, nil
}

func (s *Service) joinDecision(discussion store.Discussion) store.JoinDecision {
	if !discussion.HasCapacity() {
		return func(int) store.Status { return store.StatusApproved }
	}
	if s.cfg.CappedJoin == config.JoinReview {
		return func(int) store.Status { return store.StatusPending }
	}
	limit := *discussion.Capacity
	return func(approved int) store.Status {
		if approved < limit {
			return store.StatusApproved
		}
		return store.StatusPending
	}
}

// SetStatus moves a participant between pending, approved and rejected. Only
// the discussion's creator may do this. Entering approved from another state
// is refused when the discussion is full; every other move always succeeds.
func (s *Service) SetStatus(ctx context.Context, discussionID, participationID string, caller auth.Caller, status string) (store.Participation, error) {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	if caller.IsAnonymous() {
		return store.Participation{}, errUnauthenticated()
	}
	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return store.Participation{}, err
	}
	if !rbac.Can(rbac.RelationOf(caller.UserID, discussion.CreatorID, false), rbac.ActionSetStatus) {
		return store.Participation{}, errForbidden("Only the discussion creator can change participant status")
	}

	next, err := store.ParseStatus(status)
	if err != nil {
		return store.Participation{}, errInvalidArgument("status must be one of PENDING, APPROVED, REJECTED", map[string]any{"status": status})
	}
	if strings.TrimSpace(participationID) == "" {
		return store.Participation{}, errInvalidArgument("participant id is required", nil)
	}

	updated, err := s.store.TransitionParticipation(ctx, discussion.ID, participationID, next, discussion.Capacity)
	if err != nil {
		if errors.Is(err, store.ErrCapacityExceeded) {
			return store.Participation{}, domainError(http.StatusConflict, CodeCapacityExceeded, "This discussion has no free seats", map[string]any{
				"capacity": *discussion.Capacity,
			})
		}
		return store.Participation{}, s.translate(err, "Participant not found")
	}

	s.log.Info("participation status changed",
		zap.String("discussion_id", updated.DiscussionID),
		zap.String("participation_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("actor_id", caller.UserID),
	)
	return updated, nil
}

// CancelParticipation withdraws the caller's own participation. Having
// nothing to cancel is not an error.
func (s *Service) CancelParticipation(ctx context.Context, discussionID string, caller auth.Caller) error {
	ctx, cancel := s.operationContext(ctx)
	defer cancel()

	if caller.IsAnonymous() {
		return errUnauthenticated()
	}
	if strings.TrimSpace(discussionID) == "" {
		return errInvalidArgument("discussionId is required", nil)
	}
	discussion, err := s.loadDiscussion(ctx, discussionID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.RelationOf(caller.UserID, discussion.CreatorID, true), rbac.ActionCancelOwn) {
		return errForbidden("You cannot cancel this participation")
	}

	deleted, err := s.store.DeleteParticipation(ctx, discussion.ID, caller.UserID)
	if err != nil {
		return s.translate(err, "Discussion not found")
	}
	if deleted {
		s.log.Info("participation cancelled",
			zap.String("discussion_id", discussion.ID),
			zap.String("user_id", caller.UserID),
		)
	}
	return nil
}

func (s *Service) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

func (s *Service) loadDiscussion(ctx context.Context, discussionID string) (store.Discussion, error) {
	if strings.TrimSpace(discussionID) == "" {
		return store.Discussion{}, errNotFound("Discussion not found")
	}
	discussion, err := s.store.GetDiscussion(ctx, discussionID)
	if err != nil {
		return store.Discussion{}, s.translate(err, "Discussion not found")
	}
	return discussion, nil
}

// translate maps store and context failures onto domain errors. Anything it
// does not recognise is returned unchanged and reported as a server error.
func (s *Service) translate(err error, notFound string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errNotFound(notFound)
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		s.log.Warn("participation store unavailable", zap.Error(err))
		return errUnavailable(err)
	default:
		return err
	}
}

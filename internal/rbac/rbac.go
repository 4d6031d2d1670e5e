// Package rbac decides what a caller may do to a discussion's participants
// based on the caller's relation to that discussion.
package rbac

type Relation string
type Action string

const (
	RelationAnonymous   Relation = "anonymous"
	RelationMember      Relation = "member"
	RelationParticipant Relation = "participant"
	RelationCreator     Relation = "creator"
)

const (
	ActionViewPublic  Action = "view_public"
	ActionRequestJoin Action = "request_join"
	ActionCancelOwn   Action = "cancel_own"
	ActionSetStatus   Action = "set_status"
	ActionViewManager Action = "view_manager"
)

func Can(relation Relation, action Action) bool {
	switch relation {
	case RelationCreator:
		return action == ActionViewPublic || action == ActionRequestJoin || action == ActionCancelOwn ||
			action == ActionSetStatus || action == ActionViewManager
	case RelationParticipant, RelationMember:
		return action == ActionViewPublic || action == ActionRequestJoin || action == ActionCancelOwn
	case RelationAnonymous:
		return action == ActionViewPublic
	default:
		return false
	}
}

// RelationOf derives the caller's relation from the discussion creator and
// whether the caller already holds a participation. An empty callerID is
// anonymous.
func RelationOf(callerID, creatorID string, participates bool) Relation {
	switch {
	case callerID == "":
		return RelationAnonymous
	case callerID == creatorID:
		return RelationCreator
	case participates:
		return RelationParticipant
	default:
		return RelationMember
	}
}

package chat

import "errors"

var (
	// ErrStreamActive is returned when a conversation already has an
	// in-flight stream; at most one stream runs per conversation.
	ErrStreamActive = errors.New("conversation is already streaming")

	// ErrBranchMissing indicates an expected branch record was absent
	// during navigation. The operation aborts before any destructive
	// write; live state is left untouched.
	ErrBranchMissing = errors.New("branch record missing")

	// ErrBranchOutOfRange is returned for a navigation target outside
	// [0, total) or equal to the current active index.
	ErrBranchOutOfRange = errors.New("branch index out of range")

	// ErrNoActiveConversation is returned by view-scoped operations when
	// no conversation is selected.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrConversationNotFound is returned when the referenced
	// conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned when the referenced message is not
	// part of the live message log.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInstructionNotFound is returned when the referenced custom
	// instruction does not exist.
	ErrInstructionNotFound = errors.New("instruction not found")

	// ErrEmptyTitle is returned by rename when the title is blank.
	ErrEmptyTitle = errors.New("title must not be blank")

	// ErrUnknownModel is returned when selecting a model id that is not
	// in the catalog.
	ErrUnknownModel = errors.New("unknown model")
)

package distributed

import "errors"

var (
	// ErrChildrenDisabled means a child admission was attempted while
	// the manager isn't configured to accept children (spec §4.5
	// "Child admission").
	ErrChildrenDisabled = errors.New("distributed: not accepting children")
	// ErrNoParent means a child admission was attempted while we have
	// no parent ourselves.
	ErrNoParent = errors.New("distributed: no parent")
	// ErrChildLimitReached means |children| == childLimit already.
	ErrChildLimitReached = errors.New("distributed: child limit reached")
	// ErrNoCandidates means zero parent candidates succeeded during
	// selection (spec §7 "a warning is emitted when zero candidates
	// succeed").
	ErrNoCandidates = errors.New("distributed: no parent candidates succeeded")
)

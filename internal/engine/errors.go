package engine

import "errors"

var (
	// ErrUnauthenticated rejects work for an engine without an owner.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrEmptyMessage rejects blank submissions.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrReplyPending rejects a submission while the session awaits a reply.
	ErrReplyPending = errors.New("a reply is already pending for this session")
	// ErrLoadFailed reports that a session's messages could not be listed.
	ErrLoadFailed = errors.New("load session messages")
)

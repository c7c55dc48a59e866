package core

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindWorkspaceMismatch
	KindCannotGetCollabData
	KindGroupNotFound
	KindGroupAlreadyExists
	KindNoRequiredCollabData
	KindIndexingPolicy
	KindTooManyMessage
	KindLockTimeout
	KindNotEnoughPermissionToRead
	KindNotEnoughPermissionToWrite
	KindUserNotFound
	KindUnexpectedData
	KindStream
)

// RealtimeError is the single error type of the realtime core. Callers match on Kind.
type RealtimeError struct {
	Kind ErrorKind
	// ObjectID or client the error is about, when there is one.
	Subject string
	// Expect and Actual are set for workspace mismatches.
	Expect string
	Actual string
	Detail string
	Err    error
}

func (e *RealtimeError) Error() string {
	switch e.Kind {
	case KindWorkspaceMismatch:
		return fmt.Sprintf("Create group failed: Collab workspace id not match: expect %s, actual %s, detail: %s", e.Expect, e.Actual, e.Detail)
	case KindCannotGetCollabData:
		return "Create group failed: Cannot get collab data"
	case KindGroupNotFound:
		return "group is not exist: " + e.Subject
	case KindGroupAlreadyExists:
		return "group already exists: " + e.Subject
	case KindNoRequiredCollabData:
		return "Lack of required collab data: " + e.Subject
	case KindIndexingPolicy:
		return "indexing policy unavailable for workspace " + e.Subject
	case KindTooManyMessage:
		return e.Subject + " send too many messages"
	case KindLockTimeout:
		return "Acquire lock timeout"
	case KindNotEnoughPermissionToRead:
		return fmt.Sprintf("Client:%s does not have enough permission to read", e.Subject)
	case KindNotEnoughPermissionToWrite:
		return fmt.Sprintf("Received message from client:%s, but the client does not have sufficient permissions to write", e.Subject)
	case KindUserNotFound:
		return "user not found: " + e.Subject
	case KindUnexpectedData:
		return "Unexpected data: " + e.Detail
	case KindStream:
		return "Collab redis stream error: " + e.Detail
	default:
		if e.Detail != "" {
			return "Internal failure: " + e.Detail
		}
		return "Internal failure"
	}
}

func (e *RealtimeError) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var re *RealtimeError
	return errors.As(err, &re) && re.Kind == kind
}

func IsTooManyMessage(err error) bool {
	return IsKind(err, KindTooManyMessage)
}

func IsLockTimeout(err error) bool {
	return IsKind(err, KindLockTimeout)
}

func IsCreateGroupFailed(err error) bool {
	return IsKind(err, KindWorkspaceMismatch) || IsKind(err, KindCannotGetCollabData)
}

func NewWorkspaceMismatch(expect, actual, detail string) error {
	return &RealtimeError{Kind: KindWorkspaceMismatch, Expect: expect, Actual: actual, Detail: detail}
}

func NewGroupNotFound(objectID string) error {
	return &RealtimeError{Kind: KindGroupNotFound, Subject: objectID}
}

func NewGroupAlreadyExists(objectID string) error {
	return &RealtimeError{Kind: KindGroupAlreadyExists, Subject: objectID}
}

func NewNoRequiredCollabData(objectID string, cause error) error {
	return &RealtimeError{Kind: KindNoRequiredCollabData, Subject: objectID, Err: cause}
}

func NewIndexingPolicy(workspaceID string, cause error) error {
	return &RealtimeError{Kind: KindIndexingPolicy, Subject: workspaceID, Err: cause}
}

func NewTooManyMessage(client string) error {
	return &RealtimeError{Kind: KindTooManyMessage, Subject: client}
}

func NewLockTimeout(objectID string) error {
	return &RealtimeError{Kind: KindLockTimeout, Subject: objectID}
}

func NewPermissionDenied(kind ErrorKind, uid int64) error {
	return &RealtimeError{Kind: kind, Subject: fmt.Sprint(uid)}
}

func NewUnexpectedData(detail string) error {
	return &RealtimeError{Kind: KindUnexpectedData, Detail: detail}
}

func NewStreamError(detail string, cause error) error {
	return &RealtimeError{Kind: KindStream, Detail: detail, Err: cause}
}

// NewInternal wraps an infrastructure failure. detail names the failed operation.
func NewInternal(detail string, cause error) error {
	return &RealtimeError{Kind: KindInternal, Detail: detail, Err: cause}
}

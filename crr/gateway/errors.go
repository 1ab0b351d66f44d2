package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind drives the replication task's terminal handling: transient
// errors are retried, the rest decide publish-FAILED vs. silent skip.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanentSource
	KindObjNotFound
	KindInvalidObjectState
	KindPermanentTarget
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindPermanentSource:
		return "PermanentSource"
	case KindObjNotFound:
		return "ObjNotFound"
	case KindInvalidObjectState:
		return "InvalidObjectState"
	case KindPermanentTarget:
		return "PermanentTarget"
	case KindMalformed:
		return "Malformed"
	}
	return "Unknown"
}

type Origin string

const (
	OriginSource Origin = "source"
	OriginTarget Origin = "target"
)

// ReplicationError is the typed error every gateway call surfaces.
type ReplicationError struct {
	Kind   ErrorKind
	Origin Origin
	Code   string
	Err    error
}

func (e *ReplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s: %v", e.Origin, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s %s", e.Origin, e.Kind, e.Code)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}

func (e *ReplicationError) Retryable() bool {
	return e.Kind == KindTransient
}

func NewError(kind ErrorKind, origin Origin, code string, err error) *ReplicationError {
	return &ReplicationError{Kind: kind, Origin: origin, Code: code, Err: err}
}

func NewTransient(origin Origin, code string, err error) *ReplicationError {
	return NewError(KindTransient, origin, code, err)
}

func NewObjNotFound(origin Origin, err error) *ReplicationError {
	return NewError(KindObjNotFound, origin, "ObjNotFound", err)
}

func NewInvalidObjectState(origin Origin, code string) *ReplicationError {
	return NewError(KindInvalidObjectState, origin, code, nil)
}

// IsRetryable reports whether a retry runner may re-attempt after err.
// Errors that never went through a gateway (raw network failures) are
// treated as transient.
func IsRetryable(err error) bool {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

func KindOf(err error) ErrorKind {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

func OriginOf(err error) Origin {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Origin
	}
	return OriginTarget
}

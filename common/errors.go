package common

import (
	"fmt"

	"github.com/pkg/errors"
)

type GoDBErrorCode int

const (
	// NoSuchObjectError indicates a request for a table file or page that does not exist.
	NoSuchObjectError GoDBErrorCode = iota
	// LockTimeoutError is returned by the lock manager when a blocked request could not be granted in time, or when
	// waiting would close a cycle in the waits-for graph. The caller should abort the transaction.
	LockTimeoutError
	// BufferPoolFullError indicates that every frame is pinned or holds uncommitted changes, so nothing can be
	// evicted to make room for a new page.
	BufferPoolFullError
	// InvalidConfigError indicates a configuration value that the engine cannot run with.
	InvalidConfigError
)

func (ec GoDBErrorCode) String() string {
	switch ec {
	case NoSuchObjectError:
		return "NoSuchObjectError"
	case LockTimeoutError:
		return "LockTimeoutError"
	case BufferPoolFullError:
		return "BufferPoolFullError"
	case InvalidConfigError:
		return "InvalidConfigError"
	}
	return "unknown"
}

// GoDBError is the custom error type for the database engine.
// It wraps a specific GoDBErrorCode with a detailed message.
//
// The code carries enough metadata for the caller to make decisions such as aborting and retrying a transaction.
type GoDBError struct {
	Code      GoDBErrorCode
	ErrString string
}

func (e GoDBError) Error() string {
	return fmt.Sprintf("err: %s; msg: %s", e.Code.String(), e.ErrString)
}

// NewError builds a GoDBError with a formatted message.
func NewError(code GoDBErrorCode, format string, args ...any) GoDBError {
	return GoDBError{Code: code, ErrString: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err, or anything it wraps, is a GoDBError with the given code.
func HasCode(err error, code GoDBErrorCode) bool {
	var dbErr GoDBError
	if errors.As(err, &dbErr) {
		return dbErr.Code == code
	}
	return false
}

// IsLockTimeout reports whether err means the transaction lost a lock conflict. Such a transaction must be aborted;
// running it again later may succeed.
func IsLockTimeout(err error) bool {
	return HasCode(err, LockTimeoutError)
}

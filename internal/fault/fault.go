package fault

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	Unexpected Kind = iota
	MissingCredentials
	NotFound
	AuthExpired
	RateLimited
	IncompleteTransfer
	IOFailure
	QuotaExceeded
	ClaimConflict
)

// Fault wraps an underlying error with the machine-readable kind that
// is recorded against the job row. The web front end only ever sees
// the kind string plus the free-text detail; no formatting happens here.
type Fault struct {
	error
	kind Kind

	// backoff is only populated for RateLimited faults where the
	// platform signalled how long we must stay away.
	backoff time.Duration
}

func New(kind Kind, err error) *Fault {
	return &Fault{error: err, kind: kind}
}

func Newf(kind Kind, format string, v ...interface{}) *Fault {
	return &Fault{error: fmt.Errorf(format, v...), kind: kind}
}

// NewRateLimited constructs a RateLimited fault carrying the backoff
// duration the platform demanded (zero if it didn't say).
func NewRateLimited(err error, backoff time.Duration) *Fault {
	return &Fault{error: err, kind: RateLimited, backoff: backoff}
}

func (f *Fault) Kind() Kind             { return f.kind }
func (f *Fault) Backoff() time.Duration { return f.backoff }
func (f *Fault) Unwrap() error          { return f.error }

// KindOf classifies any error in to a fault kind. Errors which are not
// faults (or wrap no fault) are Unexpected.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}

	return Unexpected
}

// BackoffHint extracts the platform-signalled backoff from the error
// chain, if any.
func BackoffHint(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.backoff
	}

	return 0
}

// Retryable reports whether a job failing with this kind should be
// rescheduled. Only NotFound and QuotaExceeded are terminal: the
// content or the system state will not change on retry.
func (k Kind) Retryable() bool {
	switch k {
	case NotFound, QuotaExceeded:
		return false
	default:
		return true
	}
}

func (k Kind) String() string {
	switch k {
	case MissingCredentials:
		return "MISSING_CREDENTIALS"
	case NotFound:
		return "NOT_FOUND"
	case AuthExpired:
		return "AUTH_EXPIRED"
	case RateLimited:
		return "RATE_LIMITED"
	case IncompleteTransfer:
		return "INCOMPLETE_TRANSFER"
	case IOFailure:
		return "IO_FAILURE"
	case QuotaExceeded:
		return "QUOTA_EXCEEDED"
	case ClaimConflict:
		return "CLAIM_CONFLICT"
	default:
		return "UNEXPECTED"
	}
}

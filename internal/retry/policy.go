// Package retry decides what to do with the outcome of a tile request.
package retry

import (
	"fmt"
	"math"
	"net/http"
	"slices"
	"time"

	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
)

// Action is the verdict for one fetch outcome.
type Action int

const (
	// Accept stores the payload and advances the cursor.
	Accept Action = iota
	// RetryAfterDelay re-requests the same tile after Decision.Delay.
	RetryAfterDelay
	// SkipTile advances past the tile without storing anything.
	SkipTile
	// AbortJob ends the job's activation.
	AbortJob
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case RetryAfterDelay:
		return "retry"
	case SkipTile:
		return "skip"
	case AbortJob:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome is what the transport produced for one request. Err is set for
// transport failures, in which case Status is zero.
type Outcome struct {
	Status     int
	Body       []byte
	RetryAfter time.Duration
	Err        error
}

// Decision is returned by Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
	// Err describes the failure for SkipTile and AbortJob caused by errors.
	Err error
}

// Config holds the retry budgets.
type Config struct {
	// TransientRetries is how many times a tile is retried after transport
	// errors, 5xx, 408 or 429 before it is skipped for this sweep.
	TransientRetries int
	// ClientErrorRetries is how many times other 4xx responses are retried
	// before the job is aborted.
	ClientErrorRetries int
	// Backoff is the first retry delay; it doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// NoDataStatuses are responses meaning "nothing at this coordinate".
	NoDataStatuses []int
	// MaxConsecutiveSkips aborts the job once that many tiles in a row were
	// given up on because of transient failures. Zero disables the check.
	MaxConsecutiveSkips int
}

// DefaultConfig returns the budgets used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TransientRetries:    5,
		ClientErrorRetries:  2,
		Backoff:             time.Second,
		MaxBackoff:          time.Minute,
		NoDataStatuses:      []int{http.StatusNoContent, http.StatusNotFound},
		MaxConsecutiveSkips: 25,
	}
}

// Attempts is the per-activation state the policy needs. The runner owns one
// instance per activation and passes it to every Decide call.
type Attempts struct {
	Transient        int
	ClientError      int
	ConsecutiveSkips int
}

func (a *Attempts) settleTile() {
	a.Transient = 0
	a.ClientError = 0
}

// Policy classifies outcomes. It is stateless; counters live in Attempts.
type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Decide classifies an outcome and updates the attempt counters.
func (p *Policy) Decide(o Outcome, a *Attempts) Decision {
	switch {
	case o.Err != nil:
		return p.transient(o, a, fmt.Errorf("%w: %v", apperrors.ErrTransport, o.Err))

	case o.Status >= 200 && o.Status < 300 && len(o.Body) > 0 && !slices.Contains(p.cfg.NoDataStatuses, o.Status):
		a.settleTile()
		a.ConsecutiveSkips = 0
		return Decision{Action: Accept, Reason: "ok"}

	case slices.Contains(p.cfg.NoDataStatuses, o.Status), o.Status >= 200 && o.Status < 300:
		a.settleTile()
		a.ConsecutiveSkips = 0
		return Decision{Action: SkipTile, Reason: fmt.Sprintf("no data (%d)", o.Status)}

	case o.Status >= 500, o.Status == http.StatusRequestTimeout, o.Status == http.StatusTooManyRequests:
		return p.transient(o, a, fmt.Errorf("%w: status %d", apperrors.ErrService, o.Status))

	default:
		a.ClientError++
		err := fmt.Errorf("%w: status %d", apperrors.ErrService, o.Status)
		if a.ClientError > p.cfg.ClientErrorRetries {
			a.settleTile()
			return Decision{
				Action: AbortJob,
				Reason: fmt.Sprintf("status %d persisted after %d attempts", o.Status, a.ClientError),
				Err:    err,
			}
		}
		return Decision{
			Action: RetryAfterDelay,
			Delay:  p.backoff(a.ClientError, o.RetryAfter),
			Reason: fmt.Sprintf("status %d", o.Status),
			Err:    err,
		}
	}
}

func (p *Policy) transient(o Outcome, a *Attempts, err error) Decision {
	a.Transient++
	if a.Transient <= p.cfg.TransientRetries {
		return Decision{
			Action: RetryAfterDelay,
			Delay:  p.backoff(a.Transient, o.RetryAfter),
			Reason: err.Error(),
			Err:    err,
		}
	}

	attempts := a.Transient
	a.settleTile()
	a.ConsecutiveSkips++
	if p.cfg.MaxConsecutiveSkips > 0 && a.ConsecutiveSkips >= p.cfg.MaxConsecutiveSkips {
		return Decision{
			Action: AbortJob,
			Reason: fmt.Sprintf("%d consecutive tiles failed, service unavailable", a.ConsecutiveSkips),
			Err:    err,
		}
	}
	return Decision{
		Action: SkipTile,
		Reason: fmt.Sprintf("giving up after %d attempts", attempts),
		Err:    err,
	}
}

// backoff returns Backoff * 2^(attempt-1), capped at MaxBackoff. A server
// supplied Retry-After raises the delay but is capped at MaxBackoff too.
func (p *Policy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	shift := min(max(attempt-1, 0), 62)
	var d time.Duration
	if p.cfg.Backoff > time.Duration(math.MaxInt64>>shift) {
		d = time.Duration(math.MaxInt64)
	} else {
		d = p.cfg.Backoff << uint(shift)
	}
	d = max(d, retryAfter)
	if p.cfg.MaxBackoff > 0 && (d > p.cfg.MaxBackoff || d <= 0) {
		d = p.cfg.MaxBackoff
	}
	return d
}

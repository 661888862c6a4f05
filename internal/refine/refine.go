// Package refine narrows a coarse prediction window to the instant at which
// a trigger predicate flips.
package refine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidWindow is returned for an empty window or a non-positive
// precision.
var ErrInvalidWindow = errors.New("invalid refinement window")

// Predicate reports whether the trigger holds at t. It is expected to be
// false before the crossing and true after it.
type Predicate func(t time.Time) (bool, error)

// Options tunes a Refiner.
type Options struct {
	// VerifyBracket evaluates both window ends before bisecting. When they
	// agree the crossing is not inside the window and the midpoint is
	// returned with LowConfidence set.
	VerifyBracket bool
}

// Result is the outcome of a refinement.
type Result struct {
	TriggerTime time.Time
	// Lo and Hi are the final bracket.
	Lo, Hi time.Time
	// Iterations counts predicate evaluations.
	Iterations int
	// LowConfidence is set when the search stopped early or the bracket was
	// inconsistent. Cause holds the reason, if any.
	LowConfidence bool
	Cause         error
}

// Refiner bisects prediction windows down to a fixed precision.
type Refiner struct {
	precision time.Duration
	opts      Options
}

// New returns a Refiner with the given precision.
func New(precision time.Duration, opts Options) *Refiner {
	return &Refiner{precision: precision, opts: opts}
}

// Precision returns the configured precision.
func (r *Refiner) Precision() time.Duration { return r.precision }

// MaxEvaluations is the bisection bound ceil(log2(width/precision)); zero when
// the window is already within precision.
func MaxEvaluations(width, precision time.Duration) int {
	if precision <= 0 || width <= precision {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(width) / float64(precision))))
}

// Refine bisects [start, end] for the point where pred becomes true and
// returns the midpoint of the final bracket. A predicate error or a
// cancelled ctx stops the search; the midpoint of the last bracket is then
// returned with LowConfidence set and a nil error.
//
// Bisection alone cannot tell a non-monotonic predicate from a monotonic one:
// without Options.VerifyBracket such a predicate still converges on some
// bracket and LowConfidence stays false. Callers that need the flag for an
// inconsistent predicate set VerifyBracket or check the window ends first.
func (r *Refiner) Refine(ctx context.Context, start, end time.Time, pred Predicate) (Result, error) {
	if !end.After(start) || r.precision <= 0 {
		return Result{}, fmt.Errorf("%w: [%s, %s] at precision %s", ErrInvalidWindow, start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano), r.precision)
	}
	lo, hi := start, end
	res := Result{}

	stop := func(cause error) (Result, error) {
		res.Lo, res.Hi = lo, hi
		res.TriggerTime = midpoint(lo, hi)
		res.LowConfidence = true
		res.Cause = cause
		return res, nil
	}

	if r.opts.VerifyBracket {
		before, err := pred(start)
		res.Iterations++
		if err != nil {
			return stop(err)
		}
		after, err := pred(end)
		res.Iterations++
		if err != nil {
			return stop(err)
		}
		if before == after {
			return stop(fmt.Errorf("predicate is %t at both ends of the window", before))
		}
	}

	for i, n := 0, MaxEvaluations(end.Sub(start), r.precision); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return stop(err)
		}
		mid := midpoint(lo, hi)
		ok, err := pred(mid)
		res.Iterations++
		if err != nil {
			return stop(err)
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}

	res.Lo, res.Hi = lo, hi
	res.TriggerTime = midpoint(lo, hi)
	return res, nil
}

func midpoint(lo, hi time.Time) time.Time {
	return lo.Add(hi.Sub(lo) / 2)
}

// Package simerr holds the error taxonomy shared by the simulation kernel and
// the process boundary. Call sites wrap these sentinels with fmt.Errorf("%w")
// and callers match them with errors.Is.
package simerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	// ErrConfiguration marks inputs that make the run unsatisfiable. Detected
	// before the loop starts; the simulation does not run.
	ErrConfiguration = errors.New("configuration error")

	// ErrResourceExhausted marks a failed or refused allocation of the O(N) or
	// O(grid volume) working arrays. Not retried.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvariantViolation marks a resolver defect (two agents in one cell or a
	// coordinate out of bounds). Fatal to the run.
	ErrInvariantViolation = errors.New("invariant violation")
)

func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func Exhaustedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Guard runs alloc and converts the runtime panics Go raises for impossible
// allocation sizes ("makeslice: len out of range", "makemap: size out of
// range") into ErrResourceExhausted. A genuine out-of-memory condition is
// fatal in Go and cannot be recovered; the memory budget check in Budget
// exists to refuse those sizes up front.
func Guard(what string, alloc func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if re, ok := r.(runtime.Error); ok && isAllocPanic(re.Error()) {
			err = Exhaustedf("allocate %s: %v", what, re)
			return
		}
		panic(r)
	}()
	alloc()
	return nil
}

func isAllocPanic(msg string) bool {
	return strings.Contains(msg, "makeslice") || strings.Contains(msg, "makemap") || strings.Contains(msg, "out of memory")
}

// Budget tracks estimated working-set bytes against a fixed limit.
type Budget struct {
	Limit int64
	used  int64
}

func NewBudget(limitBytes int64) *Budget {
	return &Budget{Limit: limitBytes}
}

// Reserve accounts n elements of elemSize bytes. It returns
// ErrResourceExhausted when the product overflows or the total exceeds Limit.
// A zero or negative Limit disables the check.
func (b *Budget) Reserve(what string, n int64, elemSize int64) error {
	if n < 0 || elemSize < 0 {
		return Exhaustedf("%s: negative size", what)
	}
	if elemSize != 0 && n > (1<<62)/elemSize {
		return Exhaustedf("%s: %d elements overflow the address space", what, n)
	}
	bytes := n * elemSize
	if b == nil || b.Limit <= 0 {
		return nil
	}
	if b.used+bytes > b.Limit {
		return Exhaustedf("%s needs %d bytes, budget has %d of %d left", what, bytes, b.Limit-b.used, b.Limit)
	}
	b.used += bytes
	return nil
}

// Fits reports whether n*elemSize more bytes would fit without reserving them.
func (b *Budget) Fits(n int64, elemSize int64) bool {
	if elemSize != 0 && n > (1<<62)/elemSize {
		return false
	}
	if b == nil || b.Limit <= 0 {
		return true
	}
	return b.used+n*elemSize <= b.Limit
}

func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used
}

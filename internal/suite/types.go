// Package suite implements the in-sandbox suite state machine: nested
// describes, tests, each-parameterization, skip/only/filter semantics, and
// ordered hierarchical run with STATUS/ACTION emission.
//
// One SuiteState exists per sandbox. It is an explicit value owned by the
// sandbox host, not a package-level global, so concurrent sandboxes never
// share registration state.
package suite

import (
	"context"
	"time"

	"github.com/cklxx-labs/parallex/internal/wire"
)

// RuntimeContext is the immutable record injected into a sandbox for its
// lifetime.
type RuntimeContext struct {
	Bail         bool
	Filter       []string
	TimeoutMS    int
	Randomize    bool
	SuiteID      string
	RunnerID     string
	RelativePath string
	// Seed fixes the source driving Randomize's shuffle; nil means
	// unseeded (time-based).
	Seed *int64
}

// Flags carries the skip/only options a describe or test was registered
// with.
type Flags struct {
	Skip bool
	Only bool
}

// TestOptions carries the options a test was registered with.
type TestOptions struct {
	Skip      bool
	Only      bool
	TimeoutMS *int // nil means "use the runtime context's TimeoutMS"
}

// TestBody is the function a registered test runs. It must respect ctx
// cancellation (the timeout race injects a Timeout error by cancelling ctx).
type TestBody func(ctx context.Context) error

// Test is a leaf node: a body, its options, and the bookkeeping computed at
// insertion time (ancestry, effective skip/only).
type Test struct {
	Description string
	Body        TestBody
	Options     TestOptions
	Ancestry    []string
	Location    *wire.Location

	effectiveSkip bool
	effectiveOnly bool
}

// Path returns ancestry + this test's description, the unit matchesFilter
// operates on.
func (t *Test) Path() []string {
	return append(append([]string{}, t.Ancestry...), t.Description)
}

// Describe is a grouping node: an ordered list of child Describes and an
// ordered list of Tests, with skip/only flags and the ancestry of
// descriptions leading to it.
type Describe struct {
	Description string
	Ancestry    []string
	Flags       Flags

	Describes []*Describe
	Tests     []*Test

	parent *Describe
}

// Path returns ancestry + this describe's description.
func (d *Describe) Path() []string {
	if d.Description == "" {
		return append([]string{}, d.Ancestry...)
	}
	return append(append([]string{}, d.Ancestry...), d.Description)
}

func newRootDescribe() *Describe {
	return &Describe{Description: "", Ancestry: nil}
}

// elapsedMS returns the whole milliseconds since start, clamped at zero.
func elapsedMS(start time.Time) uint32 {
	d := time.Since(start)
	if d < 0 {
		return 0
	}
	return uint32(d.Milliseconds())
}

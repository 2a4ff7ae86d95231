package regalloc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Analysis bundles the per-function outputs of the slot-index, live-
// interval and edge-bundle passes — the read-only substrate the linear-scan
// allocator and any spill-placement query consume (spec §5).
type Analysis struct {
	Function Function
	Indexes  *SlotIndexes
	Intervals *LiveIntervals
	Bundles  EdgeBundles
}

// NewSpillPlacer builds a SpillPlacer over this analysis's bundles, scoped
// to freqs. Each spill decision gets its own placer instance; the analysis
// itself is reused across as many decisions as a caller needs.
func (a *Analysis) NewSpillPlacer(freqs BlockFrequencyInfo) *SpillPlacer {
	return NewSpillPlacer(a.Bundles, freqs)
}

// Options configures RunModule.
type Options struct {
	// Concurrency bounds how many functions are analyzed at once. Zero or
	// negative means unbounded (one goroutine per function).
	Concurrency int
	// Target resolves physical-register aliasing; required.
	Target TargetInfo
	// Freqs returns the block-frequency oracle for one function; required.
	Freqs func(fn Function) BlockFrequencyInfo
}

// RunModule analyzes every function in fns concurrently, returning one
// Analysis per function in the same order as fns. It fans out with
// golang.org/x/sync/errgroup, bounded by opts.Concurrency; since the
// analyses below never return an error (a malformed function is a
// precondition violation, not a recoverable condition), RunModule's own
// error return exists only to carry ctx cancellation.
func RunModule(ctx context.Context, fns []Function, opts Options) ([]*Analysis, error) {
	out := make([]*Analysis, len(fns))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	for i, fn := range fns {
		i, fn := i, fn

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			out[i] = Build(fn, opts.Target, opts.Freqs(fn))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// Build runs the slot-index, live-interval and edge-bundle passes for one
// function in sequence and returns the combined analysis.
func Build(fn Function, target TargetInfo, freqs BlockFrequencyInfo) *Analysis {
	indexes := NewSlotIndexes(fn)
	intervals := BuildLiveIntervals(fn, indexes, target)
	bundles := NewEdgeBundles(fn)

	return &Analysis{Function: fn, Indexes: indexes, Intervals: intervals, Bundles: bundles}
}

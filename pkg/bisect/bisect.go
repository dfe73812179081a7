// Package bisect drives a binary search over byte offsets whose probes are
// answered asynchronously.
//
// The caller supplies a process function that starts looking at a byte
// position and later reports back by calling Left or Right. The search stops
// on its own when a probe would land on the same position twice, which bounds
// the number of probes to O(log(end-start)).
package bisect

// ProcessFunc is invoked for each probe. It returns false if the probe could
// not be started, which aborts the search.
type ProcessFunc func(start, end, position int64) bool

// Bisector holds the current search window.
type Bisector struct {
	start    int64
	end      int64
	position int64
	probes   int
	process  ProcessFunc
}

// New creates a Bisector over the inclusive range [start, end].
func New(start, end int64, process ProcessFunc) *Bisector {
	return &Bisector{
		start:    start,
		end:      end,
		position: -1,
		process:  process,
	}
}

func (b *Bisector) iterate() bool {
	next := (b.start + b.end) / 2
	if next == b.position {
		return false
	}
	b.position = next
	b.probes++
	return b.process(b.start, b.end, b.position)
}

// Start issues the first probe at the middle of the range.
func (b *Bisector) Start() bool {
	return b.iterate()
}

// Left narrows the window to [start, position] and probes again.
// It returns false when no further progress is possible.
func (b *Bisector) Left() bool {
	b.end = b.position
	return b.iterate()
}

// Right narrows the window to [position, end] and probes again.
// It returns false when no further progress is possible.
func (b *Bisector) Right() bool {
	b.start = b.position
	return b.iterate()
}

// Position returns the most recent probe position, or -1 before Start.
func (b *Bisector) Position() int64 {
	return b.position
}

// Probes returns the number of probes issued so far.
func (b *Bisector) Probes() int {
	return b.probes
}

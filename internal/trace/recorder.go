// Package trace records basic-block transitions and renders them as a
// control-flow listing for correlation with a disassembly.
//
// Each Edge pairs the link register observed when a block is entered with
// the block's start address. LR only tracks call context: for branches
// between blocks of the same leaf function the From side is a stale return
// address. Consumers correlating symbols rely on this, so it is kept as is.
package trace

import (
	"fmt"
	"iter"
	"slices"
)

// Edge is one recorded transition.
type Edge struct {
	From uint32 // LR at block entry
	To   uint32 // block start
}

// BlockListener receives block-entry notifications from the CPU core.
type BlockListener interface {
	OnBlockEnter(lr, start uint32)
}

// Recorder accumulates edges, collapsing immediate loop re-entry.
// It is not safe for concurrent use; the core calls it from its step loop.
type Recorder struct {
	edges []Edge
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// OnBlockEnter records (lr, start) unless start matches either end of the
// previous edge. Only the last edge is consulted, so loops that alternate
// between more than two blocks still produce repeats.
func (r *Recorder) OnBlockEnter(lr, start uint32) {
	if n := len(r.edges); n > 0 {
		last := r.edges[n-1]
		if last.To == start || last.From == start {
			return
		}
	}
	r.edges = append(r.edges, Edge{From: lr, To: start})
}

// Edges returns a copy of the recorded edges in execution order.
func (r *Recorder) Edges() []Edge {
	return slices.Clone(r.edges)
}

// Len returns the number of recorded edges.
func (r *Recorder) Len() int {
	return len(r.edges)
}

// Reset drops all recorded edges.
func (r *Recorder) Reset() {
	r.edges = nil
}

// Resolver names addresses. *symbols.Table satisfies it.
type Resolver interface {
	Lookup(addr uint32) (string, bool)
}

// Label returns the symbol for addr or a synthesized block_0x%08x name.
func Label(res Resolver, addr uint32) string {
	if res != nil {
		if name, ok := res.Lookup(addr); ok {
			return name
		}
	}
	return fmt.Sprintf("block_0x%08x", addr)
}

// Line is a rendered edge.
type Line struct {
	From  uint32
	To    uint32
	Label string
}

func (l Line) String() string {
	return fmt.Sprintf("0x%08x -> 0x%08x : %s", l.From, l.To, l.Label)
}

// Lines yields the recorded edges with their target labels. The sequence
// reads the recorder lazily and can be iterated any number of times.
func (r *Recorder) Lines(res Resolver) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for _, e := range r.edges {
			if !yield(Line{From: e.From, To: e.To, Label: Label(res, e.To)}) {
				return
			}
		}
	}
}

// Render collects Lines into a slice.
func (r *Recorder) Render(res Resolver) []Line {
	return slices.Collect(r.Lines(res))
}

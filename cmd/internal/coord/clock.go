package coord

// VectorClock maps a tab id to a monotonically increasing logical
// counter. It is the sole ordering mechanism for shared-state updates;
// wall-clock timestamps on records are advisory only.
type VectorClock map[string]int64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// OrderEqual means both clocks are identical.
	OrderEqual Ordering = iota
	// OrderBefore means the receiver is dominated by the other clock.
	OrderBefore
	// OrderAfter means the receiver strictly dominates the other clock.
	OrderAfter
	// OrderConcurrent means neither clock dominates; the updates are
	// causally unrelated and must be merged.
	OrderConcurrent
)

// Compare determines the causal relation between c and other.
// A clock dominates another when every counter is >= and at least one
// is strictly greater. Missing keys count as zero.
func (c VectorClock) Compare(other VectorClock) Ordering {
	greater, less := false, false

	for k, v := range c {
		if v > other[k] {
			greater = true
		} else if v < other[k] {
			less = true
		}
	}
	for k, v := range other {
		if _, ok := c[k]; !ok && v > 0 {
			less = true
		}
	}

	switch {
	case greater && less:
		return OrderConcurrent
	case greater:
		return OrderAfter
	case less:
		return OrderBefore
	default:
		return OrderEqual
	}
}

// Dominates reports whether c strictly dominates other.
func (c VectorClock) Dominates(other VectorClock) bool {
	return c.Compare(other) == OrderAfter
}

// Merge returns a new clock taking the per-key maximum of both inputs.
func (c VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Tick increments the counter for tabID and returns the clock for
// chaining. A nil clock cannot be ticked; callers allocate first.
func (c VectorClock) Tick(tabID string) VectorClock {
	c[tabID]++
	return c
}

// Clone returns an independent copy of the clock.
func (c VectorClock) Clone() VectorClock {
	if c == nil {
		return VectorClock{}
	}
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

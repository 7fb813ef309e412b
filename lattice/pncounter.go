package lattice

// PNCounter is a positive-negative counter: value = sum(increments) -
// sum(decrements), where increments and decrements are tracked per replica
// so concurrent updates from different replicas never lose a count. Join is
// a component-wise max over both maps.
type PNCounter struct {
	increments map[string]uint64
	decrements map[string]uint64
}

// NewPNCounter returns a zero-valued PNCounter.
func NewPNCounter() *PNCounter {
	return &PNCounter{
		increments: make(map[string]uint64),
		decrements: make(map[string]uint64),
	}
}

// Increment adds amount to replicaID's increment counter, saturating at
// math.MaxUint64 rather than wrapping.
func (c *PNCounter) Increment(replicaID string, amount uint64) {
	if c.increments == nil {
		c.increments = make(map[string]uint64)
	}
	c.increments[replicaID] = saturatingAdd(c.increments[replicaID], amount)
}

// Decrement adds amount to replicaID's decrement counter, saturating at
// math.MaxUint64 rather than wrapping.
func (c *PNCounter) Decrement(replicaID string, amount uint64) {
	if c.decrements == nil {
		c.decrements = make(map[string]uint64)
	}
	c.decrements[replicaID] = saturatingAdd(c.decrements[replicaID], amount)
}

// Value returns sum(increments) - sum(decrements), saturating at the int64
// bounds instead of overflowing.
func (c *PNCounter) Value() int64 {
	var incSum, decSum uint64
	for _, v := range c.increments {
		incSum = saturatingAdd(incSum, v)
	}
	for _, v := range c.decrements {
		decSum = saturatingAdd(decSum, v)
	}
	return saturatingSub(int64OrMax(incSum), int64OrMax(decSum))
}

// GetIncrement returns the increment counter for replicaID, or 0.
func (c *PNCounter) GetIncrement(replicaID string) uint64 {
	return c.increments[replicaID]
}

// GetDecrement returns the decrement counter for replicaID, or 0.
func (c *PNCounter) GetDecrement(replicaID string) uint64 {
	return c.decrements[replicaID]
}

// Clone returns a deep copy.
func (c *PNCounter) Clone() *PNCounter {
	out := NewPNCounter()
	for k, v := range c.increments {
		out.increments[k] = v
	}
	for k, v := range c.decrements {
		out.decrements[k] = v
	}
	return out
}

// Join returns the pointwise max of c and other's increment and decrement
// maps, leaving both unmodified.
func (c *PNCounter) Join(other *PNCounter) *PNCounter {
	out := c.Clone()
	out.JoinAssign(other)
	return out
}

// JoinAssign merges other into c in place via pointwise max.
func (c *PNCounter) JoinAssign(other *PNCounter) {
	if c.increments == nil {
		c.increments = make(map[string]uint64)
	}
	if c.decrements == nil {
		c.decrements = make(map[string]uint64)
	}
	for k, v := range other.increments {
		if v > c.increments[k] {
			c.increments[k] = v
		}
	}
	for k, v := range other.decrements {
		if v > c.decrements[k] {
			c.decrements[k] = v
		}
	}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

func saturatingSub(a, b int64) int64 {
	diff := a - b
	// Overflow only possible when a and b have opposite signs.
	if (b > 0 && diff > a) || (b < 0 && diff < a) {
		if b > 0 {
			return -1 << 63
		}
		return 1<<63 - 1
	}
	return diff
}

func int64OrMax(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}

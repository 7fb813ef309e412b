package delta

// NetworkConfig controls the fault injection NetworkSimulator applies to
// messages passing through it.
type NetworkConfig struct {
	LossRate    float64
	DupRate     float64
	ReorderRate float64
}

func lossyConfig(lossRate float64) NetworkConfig {
	return NetworkConfig{LossRate: lossRate}
}

func dupConfig(dupRate float64) NetworkConfig {
	return NetworkConfig{DupRate: dupRate}
}

func chaoticConfig() NetworkConfig {
	return NetworkConfig{LossRate: 0.1, DupRate: 0.2, ReorderRate: 0.3}
}

// NetworkSimulator is a deterministic, seeded fault-injecting transport used
// only by tests: it can drop, duplicate and reorder messages according to
// NetworkConfig, using a simple linear congruential generator so test runs
// are reproducible without needing real randomness.
type NetworkSimulator[D any] struct {
	inFlight []AntiEntropyMessage[D]
	lost     []AntiEntropyMessage[D]
	config   NetworkConfig
	rngState uint64
}

// NewNetworkSimulator returns a simulator seeded deterministically.
func NewNetworkSimulator[D any](config NetworkConfig) *NetworkSimulator[D] {
	return &NetworkSimulator[D]{config: config, rngState: 12345}
}

func (n *NetworkSimulator[D]) nextRandom() float64 {
	n.rngState = n.rngState*1103515245 + 12345
	return float64((n.rngState>>16)&0x7fff) / 32768.0
}

// Send enqueues msg, subject to configured loss, duplication and reordering.
func (n *NetworkSimulator[D]) Send(msg AntiEntropyMessage[D]) {
	if n.nextRandom() < n.config.LossRate {
		n.lost = append(n.lost, msg)
		return
	}

	if n.nextRandom() < n.config.DupRate {
		n.inFlight = append(n.inFlight, msg)
	}

	if n.nextRandom() < n.config.ReorderRate && len(n.inFlight) > 0 {
		pos := int(n.nextRandom() * float64(len(n.inFlight)))
		if pos > len(n.inFlight) {
			pos = len(n.inFlight)
		}
		n.inFlight = append(n.inFlight, msg)
		last := len(n.inFlight) - 1
		if pos < last {
			n.inFlight[pos], n.inFlight[last] = n.inFlight[last], n.inFlight[pos]
		}
	} else {
		n.inFlight = append(n.inFlight, msg)
	}
}

// Receive pops the next in-flight message, if any.
func (n *NetworkSimulator[D]) Receive() (AntiEntropyMessage[D], bool) {
	if len(n.inFlight) == 0 {
		var zero AntiEntropyMessage[D]
		return zero, false
	}
	msg := n.inFlight[0]
	n.inFlight = n.inFlight[1:]
	return msg, true
}

// RetransmitLost moves every previously lost message back into flight.
func (n *NetworkSimulator[D]) RetransmitLost() {
	n.inFlight = append(n.inFlight, n.lost...)
	n.lost = nil
}

// IsEmpty reports whether nothing is in flight.
func (n *NetworkSimulator[D]) IsEmpty() bool {
	return len(n.inFlight) == 0
}

// InFlightCount returns how many messages are currently in flight.
func (n *NetworkSimulator[D]) InFlightCount() int {
	return len(n.inFlight)
}

// LostCount returns how many messages have been dropped and not yet
// retransmitted.
func (n *NetworkSimulator[D]) LostCount() int {
	return len(n.lost)
}

// drainNetwork delivers every in-flight message to cluster, repeatedly,
// until the simulator is empty.
func drainNetwork[D Lattice[D]](c *Cluster[D], net *NetworkSimulator[D]) {
	for {
		msg, ok := net.Receive()
		if !ok {
			return
		}
		c.Deliver(msg)
	}
}

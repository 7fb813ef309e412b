package gossip

import (
	"fmt"

	"github.com/luxfi/crdtstore/dag"
)

// network simulates a set of interconnected Broadcasters for testing
// gossip propagation without a real transport.
type network struct {
	broadcasters map[string]*Broadcaster
	messageQueue []queuedMessage
}

type queuedMessage struct {
	from    string
	to      string
	message Message
}

// fullyConnectedNetwork returns a network of n replicas, each peered with
// every other replica.
func fullyConnectedNetwork(n int) *network {
	broadcasters := make(map[string]*Broadcaster, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("replica_%d", i)
		b := NewBroadcaster(id)
		for j := 0; j < n; j++ {
			if i != j {
				b.AddPeer(fmt.Sprintf("replica_%d", j))
			}
		}
		broadcasters[id] = b
	}
	return &network{broadcasters: broadcasters}
}

func (n *network) broadcast(from string, heads []dag.Hash) {
	b, ok := n.broadcasters[from]
	if !ok {
		return
	}
	b.Broadcast(heads)
	n.collectSendEvents(from)
}

// collectSendEvents drains from's broadcaster, queuing its Send events for
// delivery and putting every other event back for later retrieval.
func (n *network) collectSendEvents(from string) {
	b, ok := n.broadcasters[from]
	if !ok {
		return
	}
	for _, ev := range b.DrainEvents() {
		if ev.Kind == EventSend {
			n.messageQueue = append(n.messageQueue, queuedMessage{from: from, to: ev.Peer, message: ev.Message})
		} else {
			b.pushEvent(ev)
		}
	}
}

func (n *network) deliverOne() bool {
	if len(n.messageQueue) == 0 {
		return false
	}
	next := n.messageQueue[0]
	n.messageQueue = n.messageQueue[1:]

	if b, ok := n.broadcasters[next.to]; ok {
		b.Receive(next.from, next.message)
		n.collectSendEvents(next.to)
	}
	return true
}

func (n *network) deliverAll() {
	for n.deliverOne() {
	}
}

func (n *network) broadcasterFor(id string) (*Broadcaster, bool) {
	b, ok := n.broadcasters[id]
	return b, ok
}

func (n *network) receivedHeads(id string) []dag.Hash {
	b, ok := n.broadcasters[id]
	if !ok {
		return nil
	}
	var heads []dag.Hash
	for _, ev := range b.DrainEvents() {
		if ev.Kind == EventHeadsReceived {
			heads = append(heads, ev.Heads...)
		}
	}
	return heads
}

func (n *network) pendingMessages() int {
	return len(n.messageQueue)
}

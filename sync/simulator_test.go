package sync

import (
	"fmt"

	"github.com/luxfi/crdtstore/dag"
)

// simulator wires n Syncers together over in-memory stores, for testing
// reconciliation scenarios without a real transport.
type simulator struct {
	syncers []*Syncer
}

// newSimulator returns a simulator with n replicas, each with its own
// distinct genesis node.
func newSimulator(n int) *simulator {
	syncers := make([]*Syncer, n)
	for i := 0; i < n; i++ {
		store, _ := dag.NewStoreWithGenesis(fmt.Sprintf("replica_%d", i))
		syncers[i] = NewSyncer(store)
	}
	return &simulator{syncers: syncers}
}

// newSharedGenesisSimulator returns a simulator where every replica starts
// from the identical genesis node (so their initial heads already match).
func newSharedGenesisSimulator(n int) *simulator {
	genesis := dag.Genesis("shared")

	syncers := make([]*Syncer, n)
	for i := 0; i < n; i++ {
		store := dag.NewStore()
		if _, err := store.Put(genesis); err != nil {
			panic(err)
		}
		syncers[i] = NewSyncer(store)
	}
	return &simulator{syncers: syncers}
}

func (s *simulator) syncer(idx int) *Syncer { return s.syncers[idx] }

// syncPair pulls from->to: to asks from for whatever it's missing.
func (s *simulator) syncPair(from, to int) {
	fromHeads := s.syncers[from].Heads()
	request := s.syncers[to].CreateRequest(fromHeads)
	response := s.syncers[from].HandleRequest(request)
	_, _ = s.syncers[to].ApplyResponse(response)
}

func (s *simulator) fullSyncRound() {
	n := len(s.syncers)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				s.syncPair(i, j)
			}
		}
	}
}

func (s *simulator) isConverged() bool {
	if len(s.syncers) == 0 {
		return true
	}
	reference := headSet(s.syncers[0].Heads())
	for _, syncer := range s.syncers[1:] {
		if !setsEqual(reference, headSet(syncer.Heads())) {
			return false
		}
	}
	return true
}

func headSet(heads []dag.Hash) map[dag.Hash]struct{} {
	set := make(map[dag.Hash]struct{}, len(heads))
	for _, h := range heads {
		set[h] = struct{}{}
	}
	return set
}

func setsEqual(a, b map[dag.Hash]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for h := range a {
		if _, ok := b[h]; !ok {
			return false
		}
	}
	return true
}

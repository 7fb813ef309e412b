package dag

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenesisStore(t *testing.T) {
	require := require.New(t)

	store, genesisCID := NewStoreWithGenesis("replica_1")

	require.Equal(1, store.Len())
	require.True(store.Contains(genesisCID))
	require.Equal([]Hash{genesisCID}, store.Heads())
}

func TestLinearChain(t *testing.T) {
	require := require.New(t)

	store, genesis := NewStoreWithGenesis("r1")

	node1 := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte{1})).WithTimestamp(1).WithCreator("r1").Build()
	cid1, err := store.Put(node1)
	require.NoError(err)

	node2 := NewNodeBuilder().WithParent(cid1).WithPayload(DeltaPayload([]byte{2})).WithTimestamp(2).WithCreator("r1").Build()
	cid2, err := store.Put(node2)
	require.NoError(err)

	require.Equal(3, store.Len())
	require.Equal([]Hash{cid2}, store.Heads())

	ancestors := store.Ancestors(cid2)
	require.Len(ancestors, 2)
	require.Contains(ancestors, genesis)
	require.Contains(ancestors, cid1)
}

func TestConcurrentBranches(t *testing.T) {
	require := require.New(t)

	store, genesis := NewStoreWithGenesis("r1")

	branchA := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte("a"))).WithTimestamp(1).WithCreator("r1").Build()
	cidA, err := store.Put(branchA)
	require.NoError(err)

	branchB := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte("b"))).WithTimestamp(1).WithCreator("r2").Build()
	cidB, err := store.Put(branchB)
	require.NoError(err)

	heads := store.Heads()
	require.Len(heads, 2)
	require.Contains(heads, cidA)
	require.Contains(heads, cidB)
}

func TestMergeNode(t *testing.T) {
	require := require.New(t)

	store, genesis := NewStoreWithGenesis("r1")

	branchA := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte("a"))).WithTimestamp(1).WithCreator("r1").Build()
	cidA, err := store.Put(branchA)
	require.NoError(err)

	branchB := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte("b"))).WithTimestamp(1).WithCreator("r2").Build()
	cidB, err := store.Put(branchB)
	require.NoError(err)

	merge := NewNodeBuilder().WithParents([]Hash{cidA, cidB}).WithPayload(DeltaPayload([]byte("merge"))).WithTimestamp(2).WithCreator("r1").Build()
	mergeCID, err := store.Put(merge)
	require.NoError(err)

	require.Equal([]Hash{mergeCID}, store.Heads())

	ancestors := store.Ancestors(mergeCID)
	require.Contains(ancestors, cidA)
	require.Contains(ancestors, cidB)
	require.Contains(ancestors, genesis)
}

func TestMissingParentsError(t *testing.T) {
	require := require.New(t)

	store := NewStore()
	fakeParent := HashBytes([]byte("fake"))

	node := NewNodeBuilder().WithParent(fakeParent).WithPayload(DeltaPayload([]byte{1})).WithTimestamp(1).WithCreator("r1").Build()

	_, err := store.Put(node)
	require.Error(err)
	dagErr, ok := err.(*Error)
	require.True(ok)
	require.Equal(ErrMissingParents, dagErr.Kind)
}

func TestPutUnchecked(t *testing.T) {
	require := require.New(t)

	store := NewStore()
	fakeParent := HashBytes([]byte("fake"))

	node := NewNodeBuilder().WithParent(fakeParent).WithPayload(DeltaPayload([]byte{1})).WithTimestamp(1).WithCreator("r1").Build()

	cid, err := store.PutUnchecked(node)
	require.NoError(err)
	require.Contains(store.MissingNodes(), fakeParent)
	require.True(store.Contains(cid))
}

func TestTopologicalOrder(t *testing.T) {
	require := require.New(t)

	store, genesis := NewStoreWithGenesis("r1")

	node1 := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte{1})).WithTimestamp(1).WithCreator("r1").Build()
	cid1, err := store.Put(node1)
	require.NoError(err)

	node2 := NewNodeBuilder().WithParent(cid1).WithPayload(DeltaPayload([]byte{2})).WithTimestamp(2).WithCreator("r1").Build()
	cid2, err := store.Put(node2)
	require.NoError(err)

	order := store.TopologicalOrder()
	pos := func(h Hash) int {
		for i, c := range order {
			if c == h {
				return i
			}
		}
		return -1
	}

	require.Less(pos(genesis), pos(cid1))
	require.Less(pos(cid1), pos(cid2))
}

func TestChildrenIndex(t *testing.T) {
	require := require.New(t)

	store, genesis := NewStoreWithGenesis("r1")

	child1 := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte{1})).WithTimestamp(1).WithCreator("r1").Build()
	cid1, err := store.Put(child1)
	require.NoError(err)

	child2 := NewNodeBuilder().WithParent(genesis).WithPayload(DeltaPayload([]byte{2})).WithTimestamp(1).WithCreator("r2").Build()
	cid2, err := store.Put(child2)
	require.NoError(err)

	children := store.Children(genesis)
	require.Len(children, 2)
	require.Contains(children, cid1)
	require.Contains(children, cid2)
}

func TestDAGStats(t *testing.T) {
	require := require.New(t)

	store, _ := NewStoreWithGenesis("r1")

	for i := 0; i < 5; i++ {
		lastHead := store.Heads()[0]
		node := NewNodeBuilder().
			WithParent(lastHead).
			WithPayload(DeltaPayload([]byte{byte(i)})).
			WithTimestamp(uint64(i) + 1).
			WithCreator("r1").
			Build()
		_, err := store.Put(node)
		require.NoError(err)
	}

	stats := store.Stats()
	require.Equal(6, stats.TotalNodes)
	require.Equal(1, stats.HeadCount)
	require.Equal(6, stats.MaxDepth)
}

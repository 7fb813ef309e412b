package compaction

import (
	"testing"

	"github.com/luxfi/crdtstore/dag"
	"github.com/stretchr/testify/require"
)

func TestPrunerCreation(t *testing.T) {
	require := require.New(t)

	pruner := NewPruner()
	require.Equal(2, pruner.Policy().MinSnapshotsBeforePrune)

	customPolicy := DefaultPruningPolicy()
	customPolicy.MinSnapshotsBeforePrune = 5
	customPruner := NewPrunerWithPolicy(customPolicy)
	require.Equal(5, customPruner.Policy().MinSnapshotsBeforePrune)
}

func TestPruningPolicyDefaults(t *testing.T) {
	require := require.New(t)

	policy := DefaultPruningPolicy()

	require.Equal(2, policy.MinSnapshotsBeforePrune)
	require.EqualValues(5000, policy.MinNodeAge)
	require.Equal(1000, policy.MaxNodesPerPrune)
	require.True(policy.RequireStability)
	require.True(policy.PreserveGenesisPath)
	require.Equal(10, policy.PreserveDepth)
}

func TestIdentifyPrunable(t *testing.T) {
	require := require.New(t)

	store, genesis := dag.NewStoreWithGenesis("test")

	nodeA := dag.NewNodeBuilder().WithParent(genesis).WithPayload(dag.DeltaPayload([]byte("a"))).
		WithTimestamp(100).WithCreator("test").Build()
	cidA, err := store.Put(nodeA)
	require.NoError(err)

	nodeB := dag.NewNodeBuilder().WithParent(cidA).WithPayload(dag.DeltaPayload([]byte("b"))).
		WithTimestamp(200).WithCreator("test").Build()
	cidB, err := store.Put(nodeB)
	require.NoError(err)

	nodeC := dag.NewNodeBuilder().WithParent(cidB).WithPayload(dag.DeltaPayload([]byte("c"))).
		WithTimestamp(300).WithCreator("test").Build()
	cidC, err := store.Put(nodeC)
	require.NoError(err)

	nodeD := dag.NewNodeBuilder().WithParent(cidC).WithPayload(dag.DeltaPayload([]byte("d"))).
		WithTimestamp(400).WithCreator("test").Build()
	_, err = store.Put(nodeD)
	require.NoError(err)

	vv := VersionVectorFromEntries(map[string]uint64{"test": 3})
	snapshot := NewSnapshot(vv, []dag.Hash{cidC}, []byte("state"), "test", 300)

	policy := DefaultPruningPolicy()
	policy.MinNodeAge = 50
	policy.PreserveDepth = 1
	policy.PreserveGenesisPath = false
	pruner := NewPrunerWithPolicy(policy)

	prunable := pruner.IdentifyPrunable(store, snapshot, 500)

	require.NotEmpty(prunable)
}

func TestPreserveNodes(t *testing.T) {
	require := require.New(t)

	pruner := NewPruner()
	cid := dag.HashBytes([]byte("test"))

	pruner.Preserve(cid)
	_, preserved := pruner.preserved[cid]
	require.True(preserved)

	pruner.ClearPreserved()
	require.Empty(pruner.preserved)
}

func TestPruningResultEmpty(t *testing.T) {
	require := require.New(t)

	result := EmptyPruningResult()

	require.Equal(0, result.NodesPruned)
	require.Empty(result.PrunedCIDs)
	require.Nil(result.SnapshotRoot)
	require.True(result.Completed)
}

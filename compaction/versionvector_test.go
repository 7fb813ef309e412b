package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionVectorBasic(t *testing.T) {
	require := require.New(t)

	vv := NewVersionVector()
	require.EqualValues(0, vv.Get("r1"))

	vv.Set("r1", 5)
	require.EqualValues(5, vv.Get("r1"))

	seq := vv.Increment("r1")
	require.EqualValues(6, seq)
	require.EqualValues(6, vv.Get("r1"))
}

func TestVersionVectorDominates(t *testing.T) {
	require := require.New(t)

	vv1 := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 3})
	vv2 := VersionVectorFromEntries(map[string]uint64{"r1": 3, "r2": 3})
	vv3 := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 5})

	require.True(vv1.Dominates(vv2))
	require.False(vv2.Dominates(vv1))
	require.True(vv3.Dominates(vv1))
	require.False(vv1.Dominates(vv3))
}

func TestVersionVectorConcurrent(t *testing.T) {
	require := require.New(t)

	vv1 := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 3})
	vv2 := VersionVectorFromEntries(map[string]uint64{"r1": 3, "r2": 5})

	require.True(vv1.IsConcurrentWith(vv2))
	require.True(vv2.IsConcurrentWith(vv1))
}

func TestVersionVectorMerge(t *testing.T) {
	require := require.New(t)

	vv1 := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 3})
	vv2 := VersionVectorFromEntries(map[string]uint64{"r1": 3, "r2": 7})

	merged := vv1.MergedWith(vv2)
	require.EqualValues(5, merged.Get("r1"))
	require.EqualValues(7, merged.Get("r2"))
}

func TestVersionVectorMin(t *testing.T) {
	require := require.New(t)

	vv1 := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 3})
	vv2 := VersionVectorFromEntries(map[string]uint64{"r1": 3, "r2": 7})

	min := vv1.MinWith(vv2)
	require.EqualValues(3, min.Get("r1"))
	require.EqualValues(3, min.Get("r2"))
}

func TestVersionVectorDiff(t *testing.T) {
	require := require.New(t)

	vv1 := VersionVectorFromEntries(map[string]uint64{"r1": 10, "r2": 5})
	vv2 := VersionVectorFromEntries(map[string]uint64{"r1": 7, "r2": 5})

	diff := vv1.Diff(vv2)
	require.Len(diff, 1)
	require.Equal(Range{ReplicaID: "r1", Start: 8, End: 10}, diff[0])
}

func TestVersionVectorRoundTripEntries(t *testing.T) {
	require := require.New(t)

	vv := VersionVectorFromEntries(map[string]uint64{"r1": 5, "r2": 10})
	entries := vv.ToEntries()
	rebuilt := VersionVectorFromEntryList(entries)
	require.True(vv.Equal(rebuilt))
}

func TestVersionVectorContains(t *testing.T) {
	require := require.New(t)

	vv := VersionVectorFromEntries(map[string]uint64{"r1": 5})

	require.True(vv.Contains("r1", 1))
	require.True(vv.Contains("r1", 5))
	require.False(vv.Contains("r1", 6))
	require.False(vv.Contains("r2", 1))
}

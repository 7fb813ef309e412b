package lattice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRDTMapBasicOperations(t *testing.T) {
	require := require.New(t)

	m := NewCRDTMap[string]()
	m.Put("replica1", "key1", MapValue{Kind: MapValueInt, Int: 42})
	v, ok := m.Get("key1")
	require.True(ok)
	require.Equal(int64(42), v.Int)

	m.Put("replica1", "key2", MapValue{Kind: MapValueText, Text: "hello"})
	v, ok = m.Get("key2")
	require.True(ok)
	require.Equal("hello", v.Text)
}

func TestCRDTMapRemove(t *testing.T) {
	require := require.New(t)

	m := NewCRDTMap[string]()
	m.Put("replica1", "key1", MapValue{Kind: MapValueInt, Int: 42})
	require.True(m.ContainsKey("key1"))

	m.Remove("key1")
	require.False(m.ContainsKey("key1"))
}

func TestCRDTMapJoinCommutativeOnDisjointKeys(t *testing.T) {
	require := require.New(t)

	m1 := NewCRDTMap[string]()
	m1.Put("replica1", "key1", MapValue{Kind: MapValueInt, Int: 42})

	m2 := NewCRDTMap[string]()
	m2.Put("replica2", "key2", MapValue{Kind: MapValueText, Text: "world"})

	j1 := m1.Join(m2)
	j2 := m2.Join(m1)

	v1, _ := j1.Get("key1")
	v2, _ := j2.Get("key1")
	require.Equal(v1, v2)

	w1, _ := j1.Get("key2")
	w2, _ := j2.Get("key2")
	require.Equal(w1, w2)
}

func TestCRDTMapJoinIdempotent(t *testing.T) {
	require := require.New(t)

	m := NewCRDTMap[string]()
	m.Put("replica1", "key1", MapValue{Kind: MapValueInt, Int: 42})

	joined := m.Join(m)
	v, ok := joined.Get("key1")
	require.True(ok)
	require.Equal(int64(42), v.Int)
}

func TestCRDTMapConcurrentPutsOnSameKeySurviveAsMultiValue(t *testing.T) {
	require := require.New(t)

	m1 := NewCRDTMap[string]()
	m1.Put("replica1", "key1", MapValue{Kind: MapValueInt, Int: 1})

	m2 := NewCRDTMap[string]()
	m2.Put("replica2", "key1", MapValue{Kind: MapValueInt, Int: 2})

	merged := m1.Join(m2)
	require.Len(merged.GetAll("key1"), 2)
}

package lattice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMVRegisterBasicWrite(t *testing.T) {
	require := require.New(t)

	r := NewMVRegister[int]()
	require.True(r.IsEmpty())

	r.Write("replica1", 42)
	require.Equal(1, r.Len())
	require.Equal([]int{42}, r.Read())
}

func TestMVRegisterConcurrentWriteClearsLocal(t *testing.T) {
	require := require.New(t)

	r := NewMVRegister[int]()
	r.Write("replica1", 10)
	require.Equal([]int{10}, r.Read())

	r.Write("replica1", 20)
	require.Equal([]int{20}, r.Read())
}

func TestMVRegisterJoinKeepsConcurrentValues(t *testing.T) {
	require := require.New(t)

	r1 := NewMVRegister[int]()
	r1.Write("replica1", 10)

	r2 := NewMVRegister[int]()
	r2.Write("replica2", 20)

	merged := r1.Join(r2)
	require.ElementsMatch([]int{10, 20}, merged.Read())
}

func TestMVRegisterJoinCommutative(t *testing.T) {
	require := require.New(t)

	r1 := NewMVRegister[int]()
	r1.Write("replica1", 10)

	r2 := NewMVRegister[int]()
	r2.Write("replica2", 20)

	j1 := r1.Join(r2)
	j2 := r2.Join(r1)
	require.ElementsMatch(j1.Read(), j2.Read())
}

func TestMVRegisterJoinIdempotent(t *testing.T) {
	require := require.New(t)

	r := NewMVRegister[int]()
	r.Write("replica1", 42)

	joined := r.Join(r)
	require.Equal(r.Len(), joined.Len())
	require.Equal(r.Read(), joined.Read())
}

package lattice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLWWRegisterBasicOperations(t *testing.T) {
	require := require.New(t)

	r := NewLWWRegister[int](nil)
	_, ok := r.Get()
	require.False(ok)

	r.Set(42, 100, "replica1")
	v, ok := r.Get()
	require.True(ok)
	require.Equal(42, v)
	require.Equal(uint64(100), r.Timestamp())
}

func TestLWWRegisterHigherTimestampWins(t *testing.T) {
	require := require.New(t)

	r := NewLWWRegister[int](nil)
	r.Set(10, 100, "replica1")
	r.Set(20, 200, "replica2")
	v, _ := r.Get()
	require.Equal(20, v)

	r.Set(30, 150, "replica1")
	v, _ = r.Get()
	require.Equal(20, v, "an older timestamp must not overwrite")
}

func TestLWWRegisterTieBreakReplicaID(t *testing.T) {
	require := require.New(t)

	r := NewLWWRegister[int](nil)
	r.Set(10, 100, "replica1")
	r.Set(20, 100, "replica2")
	v, _ := r.Get()
	require.Equal(20, v)

	r.Set(30, 100, "replica1")
	v, _ = r.Get()
	require.Equal(20, v, "a lower replica id must not overwrite on a timestamp tie")
}

func TestLWWRegisterJoinCommutative(t *testing.T) {
	require := require.New(t)

	r1 := NewLWWRegister[int](nil)
	r1.Set(10, 100, "replica1")

	r2 := NewLWWRegister[int](nil)
	r2.Set(20, 150, "replica2")

	j1 := r1.Join(r2)
	j2 := r2.Join(r1)

	v1, _ := j1.Get()
	v2, _ := j2.Get()
	require.Equal(v1, v2)
	require.Equal(j1.Timestamp(), j2.Timestamp())
}

func TestLWWRegisterBottomIsIdentity(t *testing.T) {
	require := require.New(t)

	r := NewLWWRegister[int](nil)
	r.Set(42, 100, "replica1")

	bottom := NewLWWRegister[int](nil)
	joined := r.Join(bottom)

	v1, _ := r.Get()
	v2, _ := joined.Get()
	require.Equal(v1, v2)
}

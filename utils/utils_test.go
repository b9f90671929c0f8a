package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeArithmetic(t *testing.T) {
	sum, err := SafeAdd(100, 400)
	require.NoError(t, err)
	require.Equal(t, uint64(500), sum)

	_, err = SafeAdd(math.MaxUint64, 1)
	require.Error(t, err)

	diff, err := SafeSub(500, 25)
	require.NoError(t, err)
	require.Equal(t, uint64(475), diff)

	_, err = SafeSub(1, 2)
	require.Error(t, err)

	prod, err := SafeMul(100, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(500), prod)

	prod, err = SafeMul(0, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, uint64(0), prod)

	_, err = SafeMul(math.MaxUint64, 2)
	require.Error(t, err)
}

func TestDigest(t *testing.T) {
	d1 := Digest([]byte("pot_ticket"), []byte("abc"))
	d2 := Digest([]byte("pot_ticket"), []byte("abc"))
	require.Equal(t, d1, d2)
	require.Len(t, d1, 32)

	// Different domain tags must separate identical payloads.
	d3 := Digest([]byte("pot_payout"), []byte("abc"))
	require.NotEqual(t, d1, d3)
}

func TestUint64Bytes(t *testing.T) {
	for _, val := range []uint64{0, 1, 17, 500, math.MaxUint64} {
		out, err := Uint64FromBytes(Uint64Bytes(val))
		require.NoError(t, err)
		require.Equal(t, val, out)
	}
	_, err := Uint64FromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

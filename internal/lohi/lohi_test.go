package lohi_test

import (
	"testing"

	"github.com/pilat/fat2ext4/internal/lohi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoinRoundTrip(t *testing.T) {
	var v64 uint64 = 0x1122334455667788
	lo, hi := lohi.Split64(v64)
	assert.Equal(t, v64, lohi.Join64(lo, hi))

	var v48 uint64 = 0x0000BEEFCAFEBABE & (1<<48 - 1)
	lo48, hi48 := lohi.Split48(v48)
	assert.Equal(t, v48, lohi.Join48(lo48, hi48))

	var v32 uint32 = 0xABCD1234
	lo32, hi32 := lohi.Split32(v32)
	assert.Equal(t, v32, lohi.Join32(lo32, hi32))
}

func TestIncrLoHi16(t *testing.T) {
	var lo, hi uint16 = 0xFFFF, 0
	lohi.IncrLoHi16(&lo, &hi, 1)
	assert.Equal(t, uint16(0), lo)
	assert.Equal(t, uint16(1), hi)

	lohi.DecrLoHi16(&lo, &hi, 1)
	assert.Equal(t, uint16(0xFFFF), lo)
	assert.Equal(t, uint16(0), hi)
}

func TestIncrLoHi32CarriesIntoHigh16(t *testing.T) {
	var lo uint32 = 0xFFFFFFFF
	var hi uint16 = 0
	lohi.IncrLoHi32(&lo, &hi, 1)
	assert.Equal(t, uint32(0), lo)
	assert.Equal(t, uint16(1), hi)
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want uint32 }{
		{0, 4, 0},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{8, 4, 2},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, lohi.CeilDiv(c.a, c.b))
	}
}

func TestCeilDivIdempotent(t *testing.T) {
	for _, n := range []uint32{0, 1, 3, 4, 17, 4096} {
		// Rounding up to a multiple of 4 leaves a multiple of 4 unchanged.
		once := lohi.CeilDiv(n, 4) * 4
		twice := lohi.CeilDiv(once, 4) * 4
		assert.Equal(t, once, twice)
	}
}

func TestLog2(t *testing.T) {
	assert.Equal(t, uint32(0), lohi.Log2(1))
	assert.Equal(t, uint32(10), lohi.Log2(1024))
	assert.Equal(t, uint32(12), lohi.Log2(4096))
}

func TestBitOps(t *testing.T) {
	bitmap := make([]byte, 4)
	lohi.SetBit(bitmap, 3)
	require.True(t, lohi.IsBitSet(bitmap, 3))
	assert.False(t, lohi.IsBitSet(bitmap, 2))

	lohi.ClearBit(bitmap, 3)
	assert.False(t, lohi.IsBitSet(bitmap, 3))
}

func TestSetRange(t *testing.T) {
	bitmap := make([]byte, 4)
	lohi.SetRange(bitmap, 2, 10)
	for i := uint32(0); i < 32; i++ {
		want := i >= 2 && i < 10
		assert.Equal(t, want, lohi.IsBitSet(bitmap, i), "bit %d", i)
	}
}

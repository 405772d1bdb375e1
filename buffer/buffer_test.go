package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndTake(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello"))
	require.Equal(t, 5, b.Len())
	require.Equal(t, []byte("he"), b.Take(2))
	require.Equal(t, 3, b.Len())
	require.Equal(t, []byte("llo"), b.Bytes())
}

func TestCompactIfOverHalfHeuristic(t *testing.T) {
	var b Buffer
	b.Append([]byte("0123456789"))
	b.Advance(4) // pos=4, len=10, not over half
	b.CompactIfOverHalf()
	require.Equal(t, 4, indirectPos(&b), "pos should be untouched when not over half")

	b.Advance(2) // pos=6, len=10, now over half
	b.CompactIfOverHalf()
	require.Equal(t, 0, indirectPos(&b), "compaction should reset pos to 0")
	require.Equal(t, []byte("6789"), b.Bytes())
}

func indirectPos(b *Buffer) int { return b.pos }

func TestIndexByte(t *testing.T) {
	var b Buffer
	b.Append([]byte("abc\ndef"))
	require.Equal(t, 3, b.IndexByte('\n'))
	require.Equal(t, -1, b.IndexByte('z'))
}

func TestReserveAndTruncate(t *testing.T) {
	var b Buffer
	b.Append([]byte("xy"))
	before := b.TotalLen()
	tail := b.Reserve(8)
	require.Len(t, tail, 8)
	n := copy(tail, "abc")
	b.Truncate(before + n)
	require.Equal(t, []byte("xyabc"), b.Bytes())
}

func TestResetClearsEverything(t *testing.T) {
	var b Buffer
	b.Append([]byte("data"))
	b.Reset()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 0, b.TotalLen())
}

package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxBuffer_WriteAccumulatesByCopy(t *testing.T) {
	tb := NewTxBuffer()
	src := []byte("hello")
	n, err := tb.Write(src)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	src[0] = 'X'
	assert.Equal(t, 5, tb.Len())
	var out bytes.Buffer
	require.NoError(t, tb.Flush(&out))
	assert.Equal(t, "hello", out.String())
}

func TestTxBuffer_GrowsPastInitialCapacity(t *testing.T) {
	tb := NewTxBuffer()
	big := bytes.Repeat([]byte("a"), txMinCap+1)
	_, err := tb.Write(big)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cap(tb.buf), txMinCap+1)
}

func TestTxBuffer_ShouldFlushCrossesSoftCap(t *testing.T) {
	tb := NewTxBuffer()
	assert.False(t, tb.ShouldFlush())
	_, err := tb.Write(bytes.Repeat([]byte("a"), txSoftFlushCap))
	require.NoError(t, err)
	assert.True(t, tb.ShouldFlush())
}

func TestTxBuffer_FlushResetsPointersOnFullDrain(t *testing.T) {
	tb := NewTxBuffer()
	_, err := tb.Write([]byte("payload"))
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, tb.Flush(&out))
	assert.Equal(t, 0, tb.Len())
	assert.Equal(t, 0, tb.read)
	assert.Len(t, tb.buf, 0)
}

func TestTxBuffer_ShrinksAfterSustainedLowUsage(t *testing.T) {
	tb := NewTxBuffer()
	big := bytes.Repeat([]byte("a"), txMinCap*4)
	_, err := tb.Write(big)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, tb.Flush(&out))
	grownCap := cap(tb.buf)

	for i := 0; i < 8; i++ {
		_, err := tb.Write([]byte("a"))
		require.NoError(t, err)
		require.NoError(t, tb.Flush(&out))
	}
	assert.Less(t, cap(tb.buf), grownCap)
}

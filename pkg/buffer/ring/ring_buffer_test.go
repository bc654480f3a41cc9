package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	rb := New(16)
	require.True(t, rb.IsEmpty())

	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, rb.Buffered())

	p := make([]byte, 5)
	n, err = rb.Read(p)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), p)
	require.True(t, rb.IsEmpty())

	_, err = rb.Read(p)
	require.ErrorIs(t, err, ErrIsEmpty)
}

func TestPeekAcrossBoundary(t *testing.T) {
	rb := New(8)

	// 先写满再读掉一部分，使读指针前移。
	_, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)
	p := make([]byte, 4)
	_, err = rb.Read(p)
	require.NoError(t, err)

	// 再写入，使写指针跨越环形边界。
	_, err = rb.Write([]byte("ghijk"))
	require.NoError(t, err)
	require.Equal(t, 7, rb.Buffered())

	head, tail := rb.Peek(7)
	joined := append(append([]byte{}, head...), tail...)
	require.Equal(t, []byte("efghijk"), joined)
	require.NotEmpty(t, tail)

	// Peek 不应移动读指针。
	require.Equal(t, 7, rb.Buffered())
}

func TestDiscard(t *testing.T) {
	rb := New(8)
	_, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)

	n, err := rb.Discard(2)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 4, rb.Buffered())

	// 丢弃超过可读数据量时，缓冲区被整体重置。
	n, err = rb.Discard(100)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, rb.IsEmpty())
}

func TestGrow(t *testing.T) {
	rb := New(4)
	data := bytes.Repeat([]byte("x"), 1000)

	n, err := rb.Write(data)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.Equal(t, 1000, rb.Buffered())
	require.GreaterOrEqual(t, rb.Cap(), 1000)

	out := make([]byte, 1000)
	n, err = rb.Read(out)
	require.NoError(t, err)
	require.Equal(t, 1000, n)
	require.Equal(t, data, out)
}

func TestZeroSized(t *testing.T) {
	rb := New(0)
	require.True(t, rb.IsEmpty())
	require.Equal(t, 0, rb.Cap())

	_, err := rb.Write([]byte("grow me"))
	require.NoError(t, err)
	require.Equal(t, 7, rb.Buffered())
}

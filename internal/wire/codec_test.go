package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/proj2-serv/pkg/buffer/ring"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

func newTestCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := NewCodec(opts)
	require.NoError(t, err)
	return c
}

func TestEncodeDecodeStreamRoundTrip(t *testing.T) {
	c := newTestCodec(t, Options{})

	msg := &Message{Kind: KindPing, Seq: 42, Payload: []byte("hello")}
	frame, err := c.Encode(msg)
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+5)

	rb := ring.New(64)
	_, err = rb.Write(frame)
	require.NoError(t, err)

	decoded, err := c.DecodeStream(rb)
	require.NoError(t, err)
	require.Equal(t, KindPing, decoded.Kind)
	require.Equal(t, uint32(42), decoded.Seq)
	require.Equal(t, []byte("hello"), decoded.Payload)
	require.Zero(t, rb.Buffered())
}

func TestDecodeStreamIncomplete(t *testing.T) {
	c := newTestCodec(t, Options{})

	frame, err := c.Encode(&Message{Kind: KindPong, Seq: 7, Payload: []byte("abcdef")})
	require.NoError(t, err)

	rb := ring.New(64)

	// 不足一个报文头。
	_, err = rb.Write(frame[:HeaderSize-1])
	require.NoError(t, err)
	_, err = c.DecodeStream(rb)
	require.ErrorIs(t, err, ErrIncomplete)
	require.Equal(t, HeaderSize-1, rb.Buffered())

	// 报文头齐全但 payload 不足。
	_, err = rb.Write(frame[HeaderSize-1 : HeaderSize+3])
	require.NoError(t, err)
	_, err = c.DecodeStream(rb)
	require.ErrorIs(t, err, ErrIncomplete)

	// 余下字节到齐后可正常解出。
	_, err = rb.Write(frame[HeaderSize+3:])
	require.NoError(t, err)
	msg, err := c.DecodeStream(rb)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), msg.Payload)
}

func TestDecodeStreamBackToBackFrames(t *testing.T) {
	c := newTestCodec(t, Options{})

	rb := ring.New(128)
	for seq := uint32(1); seq <= 3; seq++ {
		frame, err := c.Encode(&Message{Kind: KindUploadChunk, Seq: seq, Payload: []byte{byte(seq)}})
		require.NoError(t, err)
		_, err = rb.Write(frame)
		require.NoError(t, err)
	}

	for seq := uint32(1); seq <= 3; seq++ {
		msg, err := c.DecodeStream(rb)
		require.NoError(t, err)
		require.Equal(t, seq, msg.Seq)
		require.Equal(t, []byte{byte(seq)}, msg.Payload)
	}
	_, err := c.DecodeStream(rb)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeStreamMalformed(t *testing.T) {
	c := newTestCodec(t, Options{})

	frame, err := c.Encode(&Message{Kind: KindPing, Seq: 1, Payload: []byte("x")})
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"bad magic", func(b []byte) { binary.BigEndian.PutUint16(b[0:2], 0xdead) }},
		{"bad version", func(b []byte) { b[2] = 0x7f }},
		{"non-zero reserved", func(b []byte) { binary.BigEndian.PutUint16(b[6:8], 1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := bytes.Clone(frame)
			tc.mutate(bad)

			rb := ring.New(64)
			_, err := rb.Write(bad)
			require.NoError(t, err)

			_, err = c.DecodeStream(rb)
			require.ErrorIs(t, err, merr.ErrMalformedMessage)
		})
	}
}

func TestDecodeStreamLengthExceedsMax(t *testing.T) {
	c := newTestCodec(t, Options{MaxPayload: 32})

	frame, err := c.Encode(&Message{Kind: KindPing, Seq: 1, Payload: []byte("ok")})
	require.NoError(t, err)
	binary.BigEndian.PutUint32(frame[12:16], 1024)

	rb := ring.New(64)
	_, err = rb.Write(frame)
	require.NoError(t, err)

	_, err = c.DecodeStream(rb)
	require.ErrorIs(t, err, merr.ErrMalformedMessage)
}

func TestDecodeDatagram(t *testing.T) {
	c := newTestCodec(t, Options{MaxPayload: MaxUDPPayload})

	frame, err := c.Encode(&Message{Kind: KindDownloadStart, Seq: 9, Payload: []byte("go")})
	require.NoError(t, err)

	msg, err := c.DecodeDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, KindDownloadStart, msg.Kind)
	require.Equal(t, uint32(9), msg.Seq)
	require.Equal(t, []byte("go"), msg.Payload)

	// 数据报尺寸与声明的 payload 长度不符。
	_, err = c.DecodeDatagram(frame[:len(frame)-1])
	require.ErrorIs(t, err, merr.ErrMalformedMessage)
	_, err = c.DecodeDatagram(append(bytes.Clone(frame), 0x00))
	require.ErrorIs(t, err, merr.ErrMalformedMessage)

	// 不足一个报文头的数据报。
	_, err = c.DecodeDatagram(frame[:HeaderSize-2])
	require.ErrorIs(t, err, merr.ErrMalformedMessage)
}

func TestEncodePayloadTooLarge(t *testing.T) {
	c := newTestCodec(t, Options{MaxPayload: 16})

	_, err := c.Encode(&Message{Kind: KindUploadChunk, Seq: 1, Payload: make([]byte, 17)})
	require.ErrorIs(t, err, merr.ErrPayloadTooLarge)
}

func TestCompressionRoundTrip(t *testing.T) {
	c := newTestCodec(t, Options{EnableCompression: true, CompressThreshold: 64})

	payload := bytes.Repeat([]byte("speedtest"), 512)
	frame, err := c.Encode(&Message{Kind: KindDownloadChunk, Seq: 3, Payload: payload})
	require.NoError(t, err)

	// 高度重复的 payload 压缩后帧长应明显小于原始长度。
	require.Less(t, len(frame), HeaderSize+len(payload))
	flags := binary.BigEndian.Uint16(frame[4:6])
	require.NotZero(t, flags&FlagCompressed)

	msg, err := c.DecodeDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, payload, msg.Payload)
}

func TestCompressionSkippedWhenNoGain(t *testing.T) {
	c := newTestCodec(t, Options{EnableCompression: true, CompressThreshold: 1})

	// 短随机前缀无压缩收益，编码层应保留原始字节。
	payload := []byte{0x01, 0x9f, 0x33, 0xc4}
	frame, err := c.Encode(&Message{Kind: KindPing, Seq: 1, Payload: payload})
	require.NoError(t, err)

	flags := binary.BigEndian.Uint16(frame[4:6])
	require.Zero(t, flags&FlagCompressed)
	require.Equal(t, payload, frame[HeaderSize:])
}

func TestDecodeAcceptsCompressedWhenEncodeDisabled(t *testing.T) {
	sender := newTestCodec(t, Options{EnableCompression: true, CompressThreshold: 64})
	receiver := newTestCodec(t, Options{})

	payload := bytes.Repeat([]byte("window"), 256)
	frame, err := sender.Encode(&Message{Kind: KindUploadReport, Seq: 5, Payload: payload})
	require.NoError(t, err)

	msg, err := receiver.DecodeDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, payload, msg.Payload)
}

func TestNewErrorMessage(t *testing.T) {
	err := merr.WrapErrUnknownKind(0xee)
	msg := NewErrorMessage(77, err)
	require.Equal(t, KindError, msg.Kind)
	require.Equal(t, uint32(77), msg.Seq)

	body, unmarshalErr := UnmarshalErrorBody(msg.Payload)
	require.NoError(t, unmarshalErr)
	require.Equal(t, merr.Code(err), body.Code)
	require.NotEmpty(t, body.Message)
}

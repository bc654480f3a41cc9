package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/proj2-serv/pkg/buffer/ring"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// 帧格式（所有多字节整数均为大端）：
//
//	offset size field
//	0      2    magic    0x5053
//	2      1    version  0x01
//	3      1    kind
//	4      2    flags    bit0 = payload 已压缩
//	6      2    reserved 必须为 0
//	8      4    seq
//	12     4    length   payload 字节数
//
// TCP 上报文头本身即为流式帧边界：先读满 16 字节报文头，再读 length 字节 payload。
// UDP 上一个数据报必须恰好为报文头 + payload，多余或缺失字节均视为畸形报文。
const (
	HeaderSize = 16

	Magic   uint16 = 0x5053
	Version uint8  = 0x01

	// FlagCompressed 表示 payload 经过 zstd 压缩。
	FlagCompressed uint16 = 1 << 0

	// DefaultMaxTCPPayload 为 TCP 流上允许的最大 payload。
	DefaultMaxTCPPayload = 16 * 1024 * 1024 // 16MB

	// MaxUDPPayload 为单个 UDP 数据报允许的最大 payload（MTU 友好）。
	MaxUDPPayload = 1400 - HeaderSize
)

// ErrIncomplete 表示流式缓冲区中的数据尚不足一帧，调用方应继续读取后重试。
// 这是解码的正常中间状态，不是错误路径。
var ErrIncomplete = errors.New("wire: incomplete frame")

// Header 为已解析的报文头。
type Header struct {
	Kind   Kind
	Flags  uint16
	Seq    uint32
	Length uint32
}

// Options 用于构造 Codec 的参数。
type Options struct {
	// MaxPayload 为允许的最大 payload 字节数，0 表示使用 DefaultMaxTCPPayload。
	MaxPayload int

	// EnableCompression 控制编码路径是否启用 zstd 压缩。
	// 解码路径始终接受带压缩标记的 payload。
	EnableCompression bool

	// CompressThreshold 为触发压缩的最小 payload 字节数，0 时使用默认值。
	CompressThreshold int
}

const defaultCompressThreshold = 512

// Codec 负责 Message 与线上字节之间的转换。
//
// Encode 是纯函数式的、与传输无关的；DecodeStream/DecodeDatagram 分别适配
// 流式（TCP）与数据报（UDP）两种帧语义。
type Codec struct {
	maxPayload        int
	compressThreshold int
	comp              *zstdCompressor
}

// NewCodec 创建一个 Codec。
func NewCodec(opts Options) (*Codec, error) {
	maxPayload := opts.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxTCPPayload
	}
	if maxPayload < 0 {
		return nil, fmt.Errorf("wire: invalid max payload %d", maxPayload)
	}

	threshold := opts.CompressThreshold
	if threshold == 0 {
		threshold = defaultCompressThreshold
	}

	c := &Codec{
		maxPayload:        maxPayload,
		compressThreshold: threshold,
	}

	// 解码始终需要解压能力，压缩器无条件创建。
	comp, err := newZstdCompressor()
	if err != nil {
		return nil, fmt.Errorf("wire: create compressor failed: %w", err)
	}
	c.comp = comp
	if !opts.EnableCompression {
		c.compressThreshold = -1
	}

	return c, nil
}

// MaxPayload 返回当前 Codec 允许的最大 payload 字节数。
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Encode 将 msg 编码为一帧完整的线上字节。
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("wire: message is nil")
	}

	payload := msg.Payload
	var flags uint16

	if c.compressThreshold >= 0 && len(payload) >= c.compressThreshold {
		compressed, err := c.comp.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: compress failed: %w", err)
		}
		// 压缩无收益时保留原始字节。
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	if len(payload) > c.maxPayload {
		return nil, merr.WrapErrPayloadTooLarge(len(payload), c.maxPayload)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(msg.Kind)
	binary.BigEndian.PutUint16(buf[4:6], flags)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], msg.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// parseHeader 解析 16 字节报文头。
func (c *Codec) parseHeader(raw []byte) (Header, error) {
	var h Header

	if magic := binary.BigEndian.Uint16(raw[0:2]); magic != Magic {
		return h, merr.WrapErrMalformedMessage(fmt.Sprintf("bad magic 0x%04x", magic))
	}
	if version := raw[2]; version != Version {
		return h, merr.WrapErrMalformedMessage(fmt.Sprintf("unsupported version %d", version))
	}
	if reserved := binary.BigEndian.Uint16(raw[6:8]); reserved != 0 {
		return h, merr.WrapErrMalformedMessage("non-zero reserved field")
	}

	h.Kind = Kind(raw[3])
	h.Flags = binary.BigEndian.Uint16(raw[4:6])
	h.Seq = binary.BigEndian.Uint32(raw[8:12])
	h.Length = binary.BigEndian.Uint32(raw[12:16])

	if int(h.Length) > c.maxPayload {
		return h, merr.WrapErrMalformedMessage(fmt.Sprintf("payload length %d exceeds max %d", h.Length, c.maxPayload))
	}

	return h, nil
}

// DecodeStream 从流式缓冲区中解出一条完整消息。
//
// 返回值：
//   - (msg, nil)    ：成功解出一条消息，对应字节已从缓冲区消费；
//   - ErrIncomplete ：数据不足一帧，缓冲区保持原样，调用方继续读取；
//   - 其他错误      ：帧已损坏（magic/version/长度非法），对该连接是终止性的，
//     因为流式帧边界一旦失步无法安全恢复。
func (c *Codec) DecodeStream(rb *ring.Buffer) (*Message, error) {
	if rb.Buffered() < HeaderSize {
		return nil, ErrIncomplete
	}

	var raw [HeaderSize]byte
	head, tail := rb.Peek(HeaderSize)
	n := copy(raw[:], head)
	copy(raw[n:], tail)

	header, err := c.parseHeader(raw[:])
	if err != nil {
		return nil, err
	}

	total := HeaderSize + int(header.Length)
	if rb.Buffered() < total {
		return nil, ErrIncomplete
	}

	if _, err := rb.Discard(HeaderSize); err != nil {
		return nil, err
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := rb.Read(payload); err != nil {
			return nil, err
		}
	}

	return c.buildMessage(header, payload)
}

// DecodeDatagram 将单个 UDP 数据报解码为一条消息。
//
// 一个数据报必须恰好承载一条完整消息；任何尺寸不匹配都会返回畸形错误，
// 调用方应丢弃该数据报且不影响会话状态。
func (c *Codec) DecodeDatagram(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, merr.WrapErrMalformedMessage(fmt.Sprintf("datagram too short: %d bytes", len(data)))
	}

	header, err := c.parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	if len(data) != HeaderSize+int(header.Length) {
		return nil, merr.WrapErrMalformedMessage(
			fmt.Sprintf("datagram size %d does not match declared payload %d", len(data), header.Length))
	}

	payload := make([]byte, header.Length)
	copy(payload, data[HeaderSize:])

	return c.buildMessage(header, payload)
}

// buildMessage 根据报文头还原消息，包括可选的解压步骤。
func (c *Codec) buildMessage(header Header, payload []byte) (*Message, error) {
	if header.Flags&FlagCompressed != 0 {
		if len(payload) == 0 {
			return nil, merr.WrapErrMalformedMessage("compressed flag with empty payload")
		}
		plain, err := c.comp.Decompress(payload)
		if err != nil {
			return nil, merr.WrapErrMalformedMessage("decompress failed: " + err.Error())
		}
		payload = plain
	}

	return &Message{
		Kind:    header.Kind,
		Seq:     header.Seq,
		Payload: payload,
	}, nil
}

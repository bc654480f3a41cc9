package wire

import (
	"github.com/klauspost/compress/zstd"
)

// zstdCompressor 基于 github.com/klauspost/compress/zstd 的压缩实现。
//
// 每个 Codec 持有独立的 encoder/decoder 实例：
//   - 不使用全局单例，避免不同调用方之间的隐式耦合；
//   - 实例生命周期与 Codec 一致。
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCompressor{
		enc: enc,
		dec: dec,
	}, nil
}

// Compress 压缩 src 并返回新的字节切片。
func (c *zstdCompressor) Compress(src []byte) ([]byte, error) {
	if c == nil || c.enc == nil {
		return nil, zstd.ErrEncoderClosed
	}
	return c.enc.EncodeAll(src, nil), nil
}

// Decompress 解压 src 并返回新的字节切片。
func (c *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	if c == nil || c.dec == nil {
		return nil, zstd.ErrDecoderClosed
	}
	return c.dec.DecodeAll(src, nil)
}

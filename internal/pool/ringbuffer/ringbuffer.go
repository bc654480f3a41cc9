// Package ringbuffer 实现了一个适用于环形缓冲区的对象池，用于降低 GC 压力。
package ringbuffer

import (
	"sync"

	"github.com/lk2023060901/proj2-serv/pkg/buffer/ring"
)

// RingBuffer 是 ring.Buffer 的别名，便于在池中引用。
type RingBuffer = ring.Buffer

// defaultBufferSize 为从池中新建缓冲区时的初始容量。
// 会话的接收/发送缓冲区通常以一帧为单位增长，64KB 可以覆盖单次 TCP 读取。
const defaultBufferSize = 64 * 1024

// maxRecycledSize 为允许回收进池的缓冲区容量上限。
// 超过该上限的缓冲区（例如被大帧撑大的）直接丢给 GC，避免池内存膨胀。
const maxRecycledSize = 4 * 1024 * 1024

var defaultPool = sync.Pool{
	New: func() any {
		return ring.New(defaultBufferSize)
	},
}

// Get 从池中取出一个空的环形缓冲区。
func Get() *RingBuffer {
	rb := defaultPool.Get().(*RingBuffer)
	rb.Reset()
	return rb
}

// Put 将缓冲区归还到池中。
// 调用方归还后不得再使用该缓冲区。
func Put(rb *RingBuffer) {
	if rb == nil || rb.Cap() > maxRecycledSize {
		return
	}
	rb.Reset()
	defaultPool.Put(rb)
}

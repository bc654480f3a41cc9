package session

import (
	"net"
	"time"

	"go.uber.org/atomic"
)

// Transport 标识会话所属的传输层类型。
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Session 表示一条逻辑会话。
//
// 约定：
//   - TCP 会话对应一条连接，在 accept 时创建，连接关闭或出错时销毁；
//   - UDP 会话对应一个对端地址（伪会话），在首个合法数据报到达时创建，
//     只能通过空闲超时回收（UDP 没有连接断开信号）；
//   - Session 的结构字段由 Registry 独占创建，创建后不可变；
//     计数器字段为原子量，允许其他组件并发读写而不加锁。
type Session struct {
	id        uint64
	transport Transport
	peer      net.Addr
	createdAt time.Time

	// lastActive 为最近一次活动时间的 UnixNano。
	lastActive atomic.Int64
	// inflight 为当前处理中的请求数。
	inflight atomic.Int64
	// queuedBytes 为当前排队等待处理的 payload 字节数。
	queuedBytes atomic.Int64
}

func newSession(id uint64, transport Transport, peer net.Addr, now time.Time) *Session {
	s := &Session{
		id:        id,
		transport: transport,
		peer:      peer,
		createdAt: now,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// ID 返回该会话的全局唯一标识。
func (s *Session) ID() uint64 { return s.id }

// Transport 返回会话所属的传输层类型。
func (s *Session) Transport() Transport { return s.transport }

// Peer 返回对端地址。
func (s *Session) Peer() net.Addr { return s.peer }

// CreatedAt 返回会话创建时间。
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive 返回最近一次活动时间。
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Touch 将最近活动时间更新为 now。
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// Inflight 返回当前处理中的请求数。
func (s *Session) Inflight() int64 { return s.inflight.Load() }

// AddInflight 调整处理中请求计数并返回新值。
func (s *Session) AddInflight(delta int64) int64 {
	return s.inflight.Add(delta)
}

// QueuedBytes 返回当前排队字节数。
func (s *Session) QueuedBytes() int64 { return s.queuedBytes.Load() }

// AddQueuedBytes 调整排队字节计数并返回新值。
func (s *Session) AddQueuedBytes(delta int64) int64 {
	return s.queuedBytes.Add(delta)
}

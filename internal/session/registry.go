package session

import (
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// Limits 定义 Registry 的容量上限，0 表示该项不限制。
type Limits struct {
	// MaxSessions 为全局会话数上限。
	MaxSessions int `mapstructure:"maxSessions"`
	// MaxTCPSessions 为 TCP 会话数上限。
	MaxTCPSessions int `mapstructure:"maxTcpSessions"`
	// MaxUDPSessions 为 UDP 伪会话数上限。
	MaxUDPSessions int `mapstructure:"maxUdpSessions"`
}

type peerKey struct {
	transport Transport
	addr      string
}

// Registry 是会话的唯一属主：会话的创建、查找与销毁都必须经由 Registry 完成，
// 其他组件只持有会话 ID 或 *Session 快照，通过原子计数器读写会话状态。
//
// 并发纪律：
//   - 锁内只做 map 操作，绝不做 I/O 或调用外部回调；
//   - Range 在持锁期间先复制快照，回调在锁外执行。
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byPeer   map[peerKey]uint64
	byKind   map[Transport]int

	nextID atomic.Uint64
	limits Limits
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry(limits Limits) *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		byPeer:   make(map[peerKey]uint64),
		byKind:   make(map[Transport]int),
		limits:   limits,
	}
}

// Admit 为 (transport, peer) 创建或复用一条会话。
//
// 行为：
//   - 同一 (transport, peer) 已存在会话时复用并刷新活动时间，典型于 UDP：
//     同一对端的后续数据报命中同一条伪会话；
//   - 超过全局或该传输层的容量上限时返回 ErrSessionAtCapacity，
//     调用方负责拒绝该连接（TCP 直接关闭，UDP 静默丢弃数据报）。
func (r *Registry) Admit(transport Transport, peer net.Addr) (*Session, error) {
	key := peerKey{transport: transport, addr: peer.String()}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPeer[key]; ok {
		if sess, ok := r.sessions[id]; ok {
			sess.Touch(now)
			return sess, nil
		}
		// byPeer 与 sessions 不一致只可能是编程错误。
		delete(r.byPeer, key)
	}

	if r.limits.MaxSessions > 0 && len(r.sessions) >= r.limits.MaxSessions {
		metrics.SessionsRejected.WithLabelValues(string(transport)).Inc()
		return nil, merr.WrapErrSessionAtCapacity(string(transport), r.limits.MaxSessions)
	}
	if limit := r.transportLimit(transport); limit > 0 && r.byKind[transport] >= limit {
		metrics.SessionsRejected.WithLabelValues(string(transport)).Inc()
		return nil, merr.WrapErrSessionAtCapacity(string(transport), limit)
	}

	sess := newSession(r.nextID.Inc(), transport, peer, now)
	r.sessions[sess.ID()] = sess
	r.byPeer[key] = sess.ID()
	r.byKind[transport]++

	metrics.SessionsAdmitted.WithLabelValues(string(transport)).Inc()
	metrics.ActiveSessions.WithLabelValues(string(transport)).Inc()
	return sess, nil
}

func (r *Registry) transportLimit(transport Transport) int {
	switch transport {
	case TransportTCP:
		return r.limits.MaxTCPSessions
	case TransportUDP:
		return r.limits.MaxUDPSessions
	default:
		return 0
	}
}

// HasPeer 判断 (transport, peer) 是否已有会话。
func (r *Registry) HasPeer(transport Transport, peer net.Addr) bool {
	key := peerKey{transport: transport, addr: peer.String()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPeer[key]
	return ok
}

// Lookup 按 ID 查找会话。
func (r *Registry) Lookup(id uint64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, merr.WrapErrSessionNotFound(id)
	}
	return sess, nil
}

// Touch 刷新会话的最近活动时间。
func (r *Registry) Touch(id uint64) error {
	sess, err := r.Lookup(id)
	if err != nil {
		return err
	}
	sess.Touch(time.Now())
	return nil
}

// Remove 销毁一条会话。对不存在的 ID 返回 ErrSessionNotFound。
func (r *Registry) Remove(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return merr.WrapErrSessionNotFound(id)
	}
	r.removeLocked(sess)
	return nil
}

func (r *Registry) removeLocked(sess *Session) {
	delete(r.sessions, sess.ID())
	delete(r.byPeer, peerKey{transport: sess.Transport(), addr: sess.Peer().String()})
	r.byKind[sess.Transport()]--
	metrics.ActiveSessions.WithLabelValues(string(sess.Transport())).Dec()
}

// EvictIdle 回收最近活动时间早于 now-idleTimeout 且无在途请求的会话，
// 返回被回收的会话列表。由 Supervisor 周期性调用，绝不在收包热路径上内联执行。
func (r *Registry) EvictIdle(now time.Time, idleTimeout time.Duration) []*Session {
	deadline := now.Add(-idleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*Session
	for _, sess := range r.sessions {
		if sess.Inflight() > 0 {
			continue
		}
		if sess.LastActive().After(deadline) {
			continue
		}
		evicted = append(evicted, sess)
	}
	for _, sess := range evicted {
		r.removeLocked(sess)
		metrics.SessionsEvicted.WithLabelValues(string(sess.Transport())).Inc()
	}
	return evicted
}

// Range 以快照方式遍历全部会话，fn 返回 false 时提前结束。
func (r *Registry) Range(fn func(sess *Session) bool) {
	if fn == nil {
		return
	}

	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Count 返回当前会话总数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByTransport 返回指定传输层的会话数。
func (r *Registry) CountByTransport(transport Transport) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[transport]
}

// Clear 清空全部会话，用于 Supervisor 停止阶段的最终回收。
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		metrics.ActiveSessions.WithLabelValues(string(sess.Transport())).Dec()
	}
	r.sessions = make(map[uint64]*Session)
	r.byPeer = make(map[peerKey]uint64)
	r.byKind = make(map[Transport]int)
}

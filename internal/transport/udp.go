package transport

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/wire"
	"github.com/lk2023060901/proj2-serv/pkg/log"
	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// UDPConfig 为 UDP 监听器的配置。
type UDPConfig struct {
	// Addr 为监听地址，例如 ":7070"。
	Addr string `mapstructure:"addr"`
	// SocketBufferSize 为内核收发缓冲区大小，0 时使用默认值。
	// 压测场景下数据报突发密集，缓冲区过小会在内核层丢包。
	SocketBufferSize int `mapstructure:"socketBufferSize"`
}

const (
	defaultUDPSocketBufferSize = 8 * 1024 * 1024

	// udpReadTick 为收包循环的读超时步长，保证 ctx 取消能被及时观察到。
	udpReadTick = time.Second

	// udpRecvBackoff 为报文粒度接收错误后的短暂退避。
	udpRecvBackoff = 10 * time.Millisecond
)

// UDPServer 承载 UDP 传输层。
//
// 单 socket 收发：所有对端共用同一个 socket，回包通过 WriteToUDP 指定对端地址。
// 会话为地址派生的伪会话，在首个合法数据报到达时创建，只能靠空闲超时回收。
type UDPServer struct {
	cfg  UDPConfig
	deps Deps

	codec *wire.Codec
	conn  *net.UDPConn

	draining atomic.Bool
}

// NewUDPServer 创建一个尚未绑定端口的 UDPServer。
func NewUDPServer(cfg UDPConfig, deps Deps) (*UDPServer, error) {
	codec, err := wire.NewCodec(wire.Options{MaxPayload: wire.MaxUDPPayload})
	if err != nil {
		return nil, err
	}
	if cfg.SocketBufferSize <= 0 {
		cfg.SocketBufferSize = defaultUDPSocketBufferSize
	}
	return &UDPServer{cfg: cfg, deps: deps, codec: codec}, nil
}

// Listen 绑定 UDP socket 并放大内核缓冲区。绑定失败是致命错误。
func (s *UDPServer) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return merr.WrapErrBindFailed("udp", s.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return merr.WrapErrBindFailed("udp", s.cfg.Addr, err)
	}

	// 缓冲区调整失败不致命，记录后继续。
	if err := conn.SetReadBuffer(s.cfg.SocketBufferSize); err != nil {
		log.Warn("set udp read buffer failed", zap.Error(err))
	}
	if err := conn.SetWriteBuffer(s.cfg.SocketBufferSize); err != nil {
		log.Warn("set udp write buffer failed", zap.Error(err))
	}

	s.conn = conn
	log.Info("udp socket bound", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// Addr 返回实际监听地址，仅在 Listen 成功后有效。
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve 运行收包循环直到 ctx 取消或 socket 关闭。
//
// 每个数据报独立处理：解码失败、准入被拒、调度失败都只影响该数据报，
// 按 UDP 语义静默丢弃，不回错误帧。
func (s *UDPServer) Serve(ctx context.Context) error {
	buf := make([]byte, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(udpReadTick))
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || s.draining.Load() {
				return nil
			}
			if isTerminalRecvErr(err) {
				return err
			}
			// ICMP 回送的端口不可达等错误只影响单个报文，
			// socket 仍然可用，记录后退避继续收包。
			log.Warn("udp receive error", zap.Error(err))
			time.Sleep(udpRecvBackoff)
			continue
		}

		metrics.BytesReceived.WithLabelValues(string(session.TransportUDP)).Add(float64(n))
		s.handleDatagram(ctx, buf[:n], peer)
	}
}

// isTerminalRecvErr 判定接收错误是否终止整个收包循环。
// 只有 socket 本身已关闭才终止，报文粒度的接收错误由调用方退避后继续。
func isTerminalRecvErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// handleDatagram 处理单个数据报。
//
// 解码先于会话创建：畸形数据报不会为其来源地址留下任何会话状态。
func (s *UDPServer) handleDatagram(ctx context.Context, data []byte, peer *net.UDPAddr) {
	msg, err := s.codec.DecodeDatagram(data)
	if err != nil {
		metrics.MalformedMessages.WithLabelValues(string(session.TransportUDP)).Inc()
		log.Debug("malformed udp datagram dropped",
			zap.String("peer", peer.String()), zap.Error(err))
		return
	}

	// 排空阶段不再派生新会话，已有会话的在途交互继续。
	if s.draining.Load() && !s.deps.Registry.HasPeer(session.TransportUDP, peer) {
		return
	}

	sess, err := s.deps.Registry.Admit(session.TransportUDP, peer)
	if err != nil {
		log.Debug("udp datagram dropped at capacity",
			zap.String("peer", peer.String()), zap.Error(err))
		return
	}
	sess.Touch(time.Now())
	metrics.MessagesReceived.WithLabelValues(string(session.TransportUDP), msg.Kind.String()).Inc()

	ticket, err := s.deps.Admission.TryAdmit(sess, len(msg.Payload))
	if err != nil {
		log.Debug("udp datagram rejected by admission",
			log.FieldSession(sess.ID()), zap.Error(err))
		return
	}
	defer ticket.Release()

	writer := &udpWriter{server: s, peer: peer}
	if err := s.deps.Dispatcher.Dispatch(ctx, sess, msg, writer); err != nil {
		log.Debug("udp dispatch failed",
			log.FieldSession(sess.ID()),
			zap.String("kind", msg.Kind.String()),
			zap.Error(err))
	}
}

// WriteRaw 将一段已编码好的原始字节直接发往对端，
// 供需要发送非常规帧（例如单字节 NAT 探测包）的处理器使用。
func (s *UDPServer) WriteRaw(data []byte, peer *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, peer)
	if err == nil {
		metrics.BytesSent.WithLabelValues(string(session.TransportUDP)).Add(float64(len(data)))
	}
	return err
}

// BeginDrain 停止派生新会话，已有会话继续处理。
func (s *UDPServer) BeginDrain() {
	s.draining.Store(true)
}

// Close 关闭 socket。
func (s *UDPServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// udpWriter 实现 dispatch.ResponseWriter，将消息编码后发往固定对端。
// WriteToUDP 本身并发安全，无需额外序列化。
type udpWriter struct {
	server *UDPServer
	peer   *net.UDPAddr
}

func (w *udpWriter) WriteMessage(msg *wire.Message) error {
	frame, err := w.server.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := w.server.WriteRaw(frame, w.peer); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(string(session.TransportUDP), msg.Kind.String()).Inc()
	return nil
}

// WriteRawBytes 绕过编解码直接发送原始字节，用于 NAT 打洞探测等非常规帧。
func (w *udpWriter) WriteRawBytes(data []byte) error {
	return w.server.WriteRaw(data, w.peer)
}

// Peer 返回该 writer 绑定的对端地址。
func (w *udpWriter) Peer() *net.UDPAddr { return w.peer }

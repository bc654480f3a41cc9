package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/proj2-serv/internal/pool/ringbuffer"
	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/wire"
	"github.com/lk2023060901/proj2-serv/pkg/log"
	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// TCPConfig 为 TCP 监听器的配置。
type TCPConfig struct {
	// Addr 为监听地址，例如 ":8080"。
	Addr string `mapstructure:"addr"`
	// ReadBufferSize 为单次 Read 的临时缓冲区大小，0 时使用默认值。
	ReadBufferSize int `mapstructure:"readBufferSize"`
	// SendQueueSize 为单连接发送队列容量，0 时使用默认值。
	SendQueueSize int `mapstructure:"sendQueueSize"`
}

const (
	defaultTCPReadBufferSize = 64 * 1024
	defaultSendQueueSize     = 1024

	acceptBackoffInitial = 5 * time.Millisecond
	acceptBackoffMax     = time.Second
)

// TCPServer 承载 TCP 传输层：监听端口、接受连接、驱动每连接的收发循环。
//
// 每个连接使用一个读协程与一个写协程；写协程是连接上唯一的写入者，
// 发送队列保证同一连接内响应按提交顺序发出。
type TCPServer struct {
	cfg  TCPConfig
	deps Deps

	codec *wire.Codec
	ln    net.Listener

	draining atomic.Bool
	conns    sync.Map // session id -> *tcpConn
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// NewTCPServer 创建一个尚未绑定端口的 TCPServer。
func NewTCPServer(cfg TCPConfig, deps Deps) (*TCPServer, error) {
	codec, err := wire.NewCodec(wire.Options{MaxPayload: wire.DefaultMaxTCPPayload})
	if err != nil {
		return nil, err
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultTCPReadBufferSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	return &TCPServer{cfg: cfg, deps: deps, codec: codec}, nil
}

// Listen 绑定监听端口。绑定失败是致命错误，由 Supervisor 终止启动。
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return merr.WrapErrBindFailed("tcp", s.cfg.Addr, err)
	}
	s.ln = ln
	log.Info("tcp listener bound", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr 返回实际监听地址，仅在 Listen 成功后有效。
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 运行接受循环直到 ctx 取消或监听器关闭。
//
// 瞬时性 accept 错误（对端在握手期间重置等）记录日志并按指数退避后继续；
// 监听器被关闭或 ctx 取消视为正常退出。
func (s *TCPServer) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acceptBackoffInitial
	bo.MaxInterval = acceptBackoffMax
	bo.MaxElapsedTime = 0

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.draining.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				wait := bo.NextBackOff()
				log.Warn("transient accept error, backing off",
					zap.Duration("wait", wait), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
			return err
		}
		bo.Reset()

		// 排空阶段监听器关闭与最后一次 Accept 成功之间存在竞争，
		// backlog 中残留的连接在此处拒绝。
		if s.draining.Load() {
			_ = conn.Close()
			continue
		}

		sess, err := s.deps.Registry.Admit(session.TransportTCP, conn.RemoteAddr())
		if err != nil {
			log.Warn("tcp connection rejected",
				zap.String("peer", conn.RemoteAddr().String()), zap.Error(err))
			_ = conn.Close()
			continue
		}

		tc := newTCPConn(ctx, s, sess, conn)
		s.conns.Store(sess.ID(), tc)

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			defer tc.loopDone()
			tc.readLoop()
		}()
		go func() {
			defer s.wg.Done()
			defer tc.loopDone()
			tc.sendLoop()
		}()
	}
}

// BeginDrain 停止接受新连接，已建立的连接继续处理在途请求。
func (s *TCPServer) BeginDrain() {
	s.draining.Store(true)
	s.closeListener()
}

// Kick 强制关闭指定会话对应的连接，用于空闲回收。
func (s *TCPServer) Kick(id uint64) {
	if v, ok := s.conns.Load(id); ok {
		v.(*tcpConn).close(nil)
	}
}

// CloseAll 强制关闭全部连接，用于排空超时后的收尾。
func (s *TCPServer) CloseAll() {
	s.conns.Range(func(_, v any) bool {
		v.(*tcpConn).close(nil)
		return true
	})
}

// Close 关闭监听器并强制关闭全部连接。
func (s *TCPServer) Close() error {
	s.closeListener()
	s.CloseAll()
	return nil
}

func (s *TCPServer) closeListener() {
	s.closeOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
}

// tcpConn 绑定一条 TCP 连接与其逻辑会话。
type tcpConn struct {
	server *TCPServer
	sess   *session.Session
	conn   net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	recvBuf   *ringbuffer.RingBuffer
	sendBuf   *ringbuffer.RingBuffer
	sendQueue chan *wire.Message

	// liveLoops 为仍在运行的收发协程数，最后退出的一方归还缓冲区。
	liveLoops atomic.Int32
	closeOnce sync.Once
}

func newTCPConn(parent context.Context, server *TCPServer, sess *session.Session, conn net.Conn) *tcpConn {
	ctx, cancel := context.WithCancel(parent)
	tc := &tcpConn{
		server:    server,
		sess:      sess,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		recvBuf:   ringbuffer.Get(),
		sendBuf:   ringbuffer.Get(),
		sendQueue: make(chan *wire.Message, server.cfg.SendQueueSize),
	}
	tc.liveLoops.Store(2)
	return tc
}

// loopDone 在收发协程退出时调用。缓冲区归还必须等到两个协程都退出，
// 否则池中的缓冲区可能在仍被引用时分配给新连接。
func (c *tcpConn) loopDone() {
	if c.liveLoops.Dec() == 0 {
		ringbuffer.Put(c.recvBuf)
		ringbuffer.Put(c.sendBuf)
	}
}

// WriteMessage 实现 dispatch.ResponseWriter。
// 仅将消息投递到发送队列，由专职发送协程顺序写出，避免并发写 conn 导致报文交叉。
func (c *tcpConn) WriteMessage(msg *wire.Message) error {
	select {
	case <-c.ctx.Done():
		return merr.WrapErrSessionClosed(c.sess.ID())
	case c.sendQueue <- msg:
		return nil
	}
}

// readLoop 循环读取字节流、拼包并逐条调度消息。
//
// 畸形帧对连接是终止性的：流式帧边界失步后无法安全恢复，直接关闭连接。
func (c *tcpConn) readLoop() {
	defer c.close(nil)

	buf := make([]byte, c.server.cfg.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			metrics.BytesReceived.WithLabelValues(string(session.TransportTCP)).Add(float64(n))
			if _, werr := c.recvBuf.Write(buf[:n]); werr != nil {
				c.close(werr)
				return
			}
			if err := c.drainInbound(); err != nil {
				c.close(err)
				return
			}
		}
		if err != nil {
			c.close(err)
			return
		}
	}
}

// drainInbound 从接收缓冲区中解出全部完整消息并逐条处理。
func (c *tcpConn) drainInbound() error {
	for {
		msg, err := c.server.codec.DecodeStream(c.recvBuf)
		if err != nil {
			if errors.Is(err, wire.ErrIncomplete) {
				return nil
			}
			metrics.MalformedMessages.WithLabelValues(string(session.TransportTCP)).Inc()
			log.Warn("malformed tcp frame, closing connection",
				log.FieldSession(c.sess.ID()), zap.Error(err))
			return err
		}
		c.handleMessage(msg)
	}
}

// handleMessage 对一条消息执行 touch -> 准入 -> 调度的完整流程。
//
// 准入被拒与调度失败都会向对端回一条错误帧并继续服务该连接，
// 只有写回失败会终止连接。
func (c *tcpConn) handleMessage(msg *wire.Message) {
	c.sess.Touch(time.Now())
	metrics.MessagesReceived.WithLabelValues(string(session.TransportTCP), msg.Kind.String()).Inc()

	ticket, err := c.server.deps.Admission.TryAdmit(c.sess, len(msg.Payload))
	if err != nil {
		log.Warn("tcp message rejected by admission",
			log.FieldSession(c.sess.ID()),
			zap.String("kind", msg.Kind.String()),
			zap.Error(err))
		_ = c.WriteMessage(wire.NewErrorMessage(msg.Seq, err))
		return
	}
	defer ticket.Release()

	if err := c.server.deps.Dispatcher.Dispatch(c.ctx, c.sess, msg, c); err != nil {
		log.Warn("tcp dispatch failed",
			log.FieldSession(c.sess.ID()),
			zap.String("kind", msg.Kind.String()),
			zap.Error(err))
		_ = c.WriteMessage(wire.NewErrorMessage(msg.Seq, err))
	}
}

// sendLoop 为连接的专职发送协程：编码到发送缓冲区后分批刷到底层连接。
func (c *tcpConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendQueue:
			frame, err := c.server.codec.Encode(msg)
			if err != nil {
				log.Error("encode outbound message failed",
					log.FieldSession(c.sess.ID()),
					zap.String("kind", msg.Kind.String()),
					zap.Error(err))
				continue
			}
			if _, err := c.sendBuf.Write(frame); err != nil {
				c.close(err)
				return
			}
			if err := c.flushSendBuf(); err != nil {
				c.close(err)
				return
			}
			metrics.MessagesSent.WithLabelValues(string(session.TransportTCP), msg.Kind.String()).Inc()
			metrics.BytesSent.WithLabelValues(string(session.TransportTCP)).Add(float64(len(frame)))
		}
	}
}

// flushSendBuf 将发送缓冲区中的字节全部写入连接，显式处理短写。
func (c *tcpConn) flushSendBuf() error {
	var tmp [4096]byte

	for c.sendBuf.Buffered() > 0 {
		n, _ := c.sendBuf.Read(tmp[:])
		if n <= 0 {
			break
		}

		written := 0
		for written < n {
			m, err := c.conn.Write(tmp[written:n])
			if err != nil {
				return err
			}
			if m <= 0 {
				return nil
			}
			written += m
		}
	}
	return nil
}

// isExpectedCloseErr 判断错误是否为连接正常终止的伴生错误。
func isExpectedCloseErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func (c *tcpConn) close(cause error) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()

		c.server.conns.Delete(c.sess.ID())
		_ = c.server.deps.Registry.Remove(c.sess.ID())

		if cause != nil && !isExpectedCloseErr(cause) {
			log.Info("tcp connection closed",
				log.FieldSession(c.sess.ID()),
				zap.String("peer", c.sess.Peer().String()),
				zap.Error(cause))
		} else {
			log.Debug("tcp connection closed",
				log.FieldSession(c.sess.ID()),
				zap.String("peer", c.sess.Peer().String()))
		}
	})
}

package speedtest

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/proj2-serv/internal/dispatch"
	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/wire"
	"github.com/lk2023060901/proj2-serv/pkg/log"
)

// Config 为测速业务的配置。
type Config struct {
	// WindowDuration 为单次压测窗口时长，0 时使用默认值 5s。
	WindowDuration time.Duration `mapstructure:"windowDuration"`
	// TCPChunkSize 为 TCP 下行数据块的 payload 大小，0 时使用默认值 64KB。
	TCPChunkSize int `mapstructure:"tcpChunkSize"`
	// AckRepeats 为 UDP 上 ACK 的总发送次数，0 时使用默认值 3。
	AckRepeats int `mapstructure:"ackRepeats"`
	// AckInterval 为 UDP 重复 ACK 的发送间隔，0 时使用默认值 10ms。
	AckInterval time.Duration `mapstructure:"ackInterval"`
	// UDPBurstSize 为 UDP 下行每轮突发的数据报数量，0 时使用默认值 16。
	UDPBurstSize int `mapstructure:"udpBurstSize"`
}

const (
	defaultWindowDuration = 5 * time.Second
	defaultTCPChunkSize   = 64 * 1024
	defaultAckRepeats     = 3
	defaultAckInterval    = 10 * time.Millisecond
	defaultUDPBurstSize   = 16

	// udpSendBackoff 为 UDP 发送受阻时的短暂退避。
	udpSendBackoff = 20 * time.Microsecond
)

// probePayload 为 NAT/中间盒打洞探测包，单字节原始数据报，不走编解码。
var probePayload = []byte("P")

func (c *Config) withDefaults() {
	if c.WindowDuration <= 0 {
		c.WindowDuration = defaultWindowDuration
	}
	if c.TCPChunkSize <= 0 {
		c.TCPChunkSize = defaultTCPChunkSize
	}
	if c.AckRepeats <= 0 {
		c.AckRepeats = defaultAckRepeats
	}
	if c.AckInterval <= 0 {
		c.AckInterval = defaultAckInterval
	}
	if c.UDPBurstSize <= 0 {
		c.UDPBurstSize = defaultUDPBurstSize
	}
}

// rawWriter 由支持发送原始字节的传输层 writer 实现（目前仅 UDP）。
type rawWriter interface {
	WriteRawBytes(data []byte) error
}

// Service 实现测速业务：下行压测、上行压测与探活。
//
// 语义：
//   - DownloadStart：确认后在固定时长窗口内持续向对端推送数据块，
//     窗口结束发送 DownloadDone 统计；
//   - UploadStart：登记上行窗口并确认，窗口内的 UploadChunk 只计数不回包，
//     窗口到期发送 UploadReport 统计；
//   - UDP 上确认会重复多次并附带探测包，容忍数据报丢失并为 NAT 预热路径。
type Service struct {
	cfg Config

	// windows 为会话 ID 到进行中上行窗口的映射。
	windows sync.Map
}

// NewService 创建测速业务实例。
func NewService(cfg Config) *Service {
	cfg.withDefaults()
	return &Service{cfg: cfg}
}

// RegisterRoutes 将测速业务的全部路由注册到 Dispatcher。
func (s *Service) RegisterRoutes(d *dispatch.Dispatcher) error {
	routes := map[wire.Kind]dispatch.Handler{
		wire.KindPing:          s.handlePing,
		wire.KindDownloadStart: s.handleDownloadStart,
		wire.KindUploadStart:   s.handleUploadStart,
		wire.KindUploadChunk:   s.handleUploadChunk,
	}
	for kind, handler := range routes {
		if err := d.Register(kind, dispatch.Route{Handler: handler}); err != nil {
			return err
		}
	}
	return nil
}

// handlePing 探活：原样回显 payload。
func (s *Service) handlePing(dctx *dispatch.Context) (*wire.Message, error) {
	return &wire.Message{Kind: wire.KindPong, Seq: dctx.Msg.Seq, Payload: dctx.Msg.Payload}, nil
}

// handleDownloadStart 启动一次下行压测。
//
// 确认帧同步写回，数据推送在后台任务中执行，不阻塞传输层的收包循环。
func (s *Service) handleDownloadStart(dctx *dispatch.Context) (*wire.Message, error) {
	ack := &wire.Message{Kind: wire.KindDownloadAck, Seq: dctx.Msg.Seq}
	if err := dctx.Writer.WriteMessage(ack); err != nil {
		return nil, err
	}

	transport := dctx.Session.Transport()
	writer := dctx.Writer
	seq := dctx.Msg.Seq
	sessID := dctx.Session.ID()

	err := dctx.Defer(func(ctx context.Context) {
		if transport == session.TransportUDP {
			s.primePeer(writer, ack)
		}
		s.runDownloadWindow(ctx, transport, writer, seq, sessID)
	})
	return nil, err
}

// primePeer 在 UDP 上补发确认帧并发送探测包，为不可靠链路和 NAT 预热。
func (s *Service) primePeer(writer dispatch.ResponseWriter, ack *wire.Message) {
	for i := 1; i < s.cfg.AckRepeats; i++ {
		time.Sleep(s.cfg.AckInterval)
		if err := writer.WriteMessage(ack); err != nil {
			return
		}
	}
	if rw, ok := writer.(rawWriter); ok {
		_ = rw.WriteRawBytes(probePayload)
	}
}

// runDownloadWindow 在窗口时长内持续推送数据块，结束后发送统计。
func (s *Service) runDownloadWindow(ctx context.Context, transport session.Transport, writer dispatch.ResponseWriter, seq uint32, sessID uint64) {
	chunkSize := s.cfg.TCPChunkSize
	burst := 1
	if transport == session.TransportUDP {
		chunkSize = wire.MaxUDPPayload
		burst = s.cfg.UDPBurstSize
	}

	payload := make([]byte, chunkSize)
	start := time.Now()
	deadline := start.Add(s.cfg.WindowDuration)

	var sentBytes, sentChunks uint64
	var chunkSeq uint32

	for time.Now().Before(deadline) && ctx.Err() == nil {
		for i := 0; i < burst; i++ {
			chunkSeq++
			msg := &wire.Message{Kind: wire.KindDownloadChunk, Seq: chunkSeq, Payload: payload}
			if err := writer.WriteMessage(msg); err != nil {
				if transport == session.TransportUDP {
					// 内核缓冲区满等瞬时失败，退避后继续。
					time.Sleep(udpSendBackoff)
					continue
				}
				log.Debug("download window aborted",
					log.FieldSession(sessID), zap.Error(err))
				return
			}
			sentBytes += uint64(chunkSize)
			sentChunks++
		}
		if transport == session.TransportUDP {
			runtime.Gosched()
		}
	}

	stats := &wire.TransferStats{
		Bytes:      sentBytes,
		DurationMs: time.Since(start).Milliseconds(),
		Chunks:     sentChunks,
	}
	body, err := wire.MarshalStats(stats)
	if err != nil {
		log.Error("marshal download stats failed", zap.Error(err))
		return
	}
	if err := writer.WriteMessage(&wire.Message{Kind: wire.KindDownloadDone, Seq: seq, Payload: body}); err != nil {
		log.Debug("send download stats failed",
			log.FieldSession(sessID), zap.Error(err))
		return
	}
	log.Info("download window finished",
		log.FieldSession(sessID),
		log.FieldTransport(string(transport)),
		zap.Uint64("bytes", sentBytes),
		zap.Uint64("chunks", sentChunks))
}

// uploadWindow 为一次进行中的上行压测窗口。
type uploadWindow struct {
	seq    uint32
	writer dispatch.ResponseWriter
	start  time.Time

	bytes  atomic.Uint64
	chunks atomic.Uint64
}

// handleUploadStart 登记上行窗口并确认。
//
// 窗口先登记后确认：客户端收到确认后立刻开始发送数据块，
// 登记滞后会丢失窗口最前沿的计数。
func (s *Service) handleUploadStart(dctx *dispatch.Context) (*wire.Message, error) {
	sessID := dctx.Session.ID()
	w := &uploadWindow{
		seq:    dctx.Msg.Seq,
		writer: dctx.Writer,
		start:  time.Now(),
	}
	s.windows.Store(sessID, w)

	ack := &wire.Message{Kind: wire.KindUploadAck, Seq: dctx.Msg.Seq}
	if err := dctx.Writer.WriteMessage(ack); err != nil {
		s.windows.CompareAndDelete(sessID, w)
		return nil, err
	}

	transport := dctx.Session.Transport()
	err := dctx.Defer(func(ctx context.Context) {
		if transport == session.TransportUDP {
			s.primePeer(w.writer, ack)
		}

		remaining := time.Until(w.start.Add(s.cfg.WindowDuration))
		select {
		case <-ctx.Done():
		case <-time.After(remaining):
		}
		s.finalizeWindow(sessID, w, transport)
	})
	if err != nil {
		s.windows.CompareAndDelete(sessID, w)
		return nil, err
	}
	return nil, nil
}

// handleUploadChunk 统计窗口内的上行数据块，不产生响应。
// 没有进行中窗口时数据块被忽略。
func (s *Service) handleUploadChunk(dctx *dispatch.Context) (*wire.Message, error) {
	v, ok := s.windows.Load(dctx.Session.ID())
	if !ok {
		log.Debug("upload chunk without active window",
			log.FieldSession(dctx.Session.ID()))
		return nil, nil
	}
	w := v.(*uploadWindow)
	w.bytes.Add(uint64(len(dctx.Msg.Payload)))
	w.chunks.Inc()
	return nil, nil
}

// finalizeWindow 结束指定上行窗口并发送统计报告。
//
// 仅在映射中仍是同一窗口时生效：同一会话重启上行压测会替换窗口，
// 被替换窗口的到期定时器在此变为空操作，由新窗口自己的定时器负责结算。
func (s *Service) finalizeWindow(sessID uint64, w *uploadWindow, transport session.Transport) {
	if !s.windows.CompareAndDelete(sessID, w) {
		return
	}

	stats := &wire.TransferStats{
		Bytes:      w.bytes.Load(),
		DurationMs: time.Since(w.start).Milliseconds(),
		Chunks:     w.chunks.Load(),
	}
	body, err := wire.MarshalStats(stats)
	if err != nil {
		log.Error("marshal upload stats failed", zap.Error(err))
		return
	}
	if err := w.writer.WriteMessage(&wire.Message{Kind: wire.KindUploadReport, Seq: w.seq, Payload: body}); err != nil {
		log.Debug("send upload report failed",
			log.FieldSession(sessID), zap.Error(err))
		return
	}
	log.Info("upload window finished",
		log.FieldSession(sessID),
		log.FieldTransport(string(transport)),
		zap.Uint64("bytes", stats.Bytes),
		zap.Uint64("chunks", stats.Chunks))
}

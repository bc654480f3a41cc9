package speedtest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/proj2-serv/internal/dispatch"
	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/wire"
)

type recordWriter struct {
	mu   sync.Mutex
	msgs []*wire.Message
	raw  [][]byte
}

func (w *recordWriter) WriteMessage(msg *wire.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *recordWriter) WriteRawBytes(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.raw = append(w.raw, data)
	return nil
}

func (w *recordWriter) snapshot() []*wire.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*wire.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

func (w *recordWriter) countKind(kind wire.Kind) int {
	n := 0
	for _, msg := range w.snapshot() {
		if msg.Kind == kind {
			n++
		}
	}
	return n
}

func (w *recordWriter) lastOfKind(kind wire.Kind) *wire.Message {
	var found *wire.Message
	for _, msg := range w.snapshot() {
		if msg.Kind == kind {
			found = msg
		}
	}
	return found
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	d := dispatch.NewDispatcher(context.Background(), 4)
	t.Cleanup(d.Close)
	require.NoError(t, NewService(cfg).RegisterRoutes(d))

	return &fixture{dispatcher: d, registry: session.NewRegistry(session.Limits{})}
}

func (f *fixture) session(t *testing.T, transport session.Transport, port int) *session.Session {
	t.Helper()
	var addr net.Addr
	if transport == session.TransportTCP {
		addr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	} else {
		addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	}
	sess, err := f.registry.Admit(transport, addr)
	require.NoError(t, err)
	return sess
}

func TestPingEcho(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(t, session.TransportTCP, 1001)
	writer := &recordWriter{}

	msg := &wire.Message{Kind: wire.KindPing, Seq: 3, Payload: []byte("alive")}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, msg, writer))

	msgs := writer.snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, wire.KindPong, msgs[0].Kind)
	require.Equal(t, uint32(3), msgs[0].Seq)
	require.Equal(t, []byte("alive"), msgs[0].Payload)
}

func TestDownloadWindowTCP(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 100 * time.Millisecond, TCPChunkSize: 1024})
	sess := f.session(t, session.TransportTCP, 1002)
	writer := &recordWriter{}

	start := &wire.Message{Kind: wire.KindDownloadStart, Seq: 7}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, start, writer))

	require.Eventually(t, func() bool {
		return writer.countKind(wire.KindDownloadDone) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, writer.countKind(wire.KindDownloadAck))
	chunks := writer.countKind(wire.KindDownloadChunk)
	require.Greater(t, chunks, 0)

	done := writer.lastOfKind(wire.KindDownloadDone)
	require.Equal(t, uint32(7), done.Seq)
	stats, err := wire.UnmarshalStats(done.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(chunks), stats.Chunks)
	require.Equal(t, uint64(chunks)*1024, stats.Bytes)
	require.GreaterOrEqual(t, stats.DurationMs, int64(100))
}

func TestDownloadWindowUDPPrimesPeer(t *testing.T) {
	f := newFixture(t, Config{
		WindowDuration: 50 * time.Millisecond,
		AckRepeats:     3,
		AckInterval:    time.Millisecond,
		UDPBurstSize:   4,
	})
	sess := f.session(t, session.TransportUDP, 1003)
	writer := &recordWriter{}

	start := &wire.Message{Kind: wire.KindDownloadStart, Seq: 2}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, start, writer))

	require.Eventually(t, func() bool {
		return writer.countKind(wire.KindDownloadDone) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// UDP 上确认重复发送并附带探测包。
	require.Equal(t, 3, writer.countKind(wire.KindDownloadAck))
	writer.mu.Lock()
	raw := len(writer.raw)
	writer.mu.Unlock()
	require.Equal(t, 1, raw)

	// 数据报 payload 保持 MTU 友好尺寸。
	for _, msg := range writer.snapshot() {
		if msg.Kind == wire.KindDownloadChunk {
			require.Len(t, msg.Payload, wire.MaxUDPPayload)
		}
	}
}

func TestUploadWindowLifecycle(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 150 * time.Millisecond})
	sess := f.session(t, session.TransportTCP, 1004)
	writer := &recordWriter{}

	start := &wire.Message{Kind: wire.KindUploadStart, Seq: 21}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, start, writer))
	require.Equal(t, 1, writer.countKind(wire.KindUploadAck))

	for i := 0; i < 5; i++ {
		chunk := &wire.Message{Kind: wire.KindUploadChunk, Seq: uint32(i), Payload: make([]byte, 200)}
		require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, chunk, writer))
	}

	require.Eventually(t, func() bool {
		return writer.countKind(wire.KindUploadReport) == 1
	}, 3*time.Second, 10*time.Millisecond)

	report := writer.lastOfKind(wire.KindUploadReport)
	require.Equal(t, uint32(21), report.Seq)
	stats, err := wire.UnmarshalStats(report.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(5), stats.Chunks)
	require.Equal(t, uint64(1000), stats.Bytes)

	// 窗口结束后的数据块被忽略，不再产生报告。
	late := &wire.Message{Kind: wire.KindUploadChunk, Seq: 99, Payload: make([]byte, 100)}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, late, writer))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, writer.countKind(wire.KindUploadReport))
}

func TestUploadWindowRestartSupersedesOld(t *testing.T) {
	f := newFixture(t, Config{WindowDuration: 300 * time.Millisecond})
	sess := f.session(t, session.TransportTCP, 1007)
	writer := &recordWriter{}

	first := &wire.Message{Kind: wire.KindUploadStart, Seq: 1}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, first, writer))

	// 窗口中途重新开始，旧窗口被替换，其到期定时器不得结算新窗口。
	time.Sleep(150 * time.Millisecond)
	second := &wire.Message{Kind: wire.KindUploadStart, Seq: 2}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, second, writer))
	require.Equal(t, 2, writer.countKind(wire.KindUploadAck))

	for i := 0; i < 5; i++ {
		chunk := &wire.Message{Kind: wire.KindUploadChunk, Seq: uint32(i), Payload: make([]byte, 100)}
		require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, chunk, writer))
	}

	require.Eventually(t, func() bool {
		return writer.countKind(wire.KindUploadReport) == 1
	}, 3*time.Second, 10*time.Millisecond)

	report := writer.lastOfKind(wire.KindUploadReport)
	require.Equal(t, uint32(2), report.Seq)
	stats, err := wire.UnmarshalStats(report.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(5), stats.Chunks)
	require.Equal(t, uint64(500), stats.Bytes)

	// 旧窗口的定时器早已到期，报告数保持为一份。
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, writer.countKind(wire.KindUploadReport))
}

func TestUploadChunkWithoutWindowIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	sess := f.session(t, session.TransportUDP, 1005)
	writer := &recordWriter{}

	chunk := &wire.Message{Kind: wire.KindUploadChunk, Seq: 1, Payload: make([]byte, 64)}
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), sess, chunk, writer))
	require.Empty(t, writer.snapshot())
}

func TestUploadWindowFinalizedOnDrain(t *testing.T) {
	d := dispatch.NewDispatcher(context.Background(), 4)
	defer d.Close()
	require.NoError(t, NewService(Config{WindowDuration: time.Hour}).RegisterRoutes(d))

	registry := session.NewRegistry(session.Limits{})
	sess, err := registry.Admit(session.TransportTCP, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1006})
	require.NoError(t, err)
	writer := &recordWriter{}

	start := &wire.Message{Kind: wire.KindUploadStart, Seq: 1}
	require.NoError(t, d.Dispatch(context.Background(), sess, start, writer))

	// 排空取消窗口等待，报告立即发出。
	d.Drain()
	require.Eventually(t, func() bool {
		return writer.countKind(wire.KindUploadReport) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/proj2-serv/internal/transport"
	"github.com/lk2023060901/proj2-serv/internal/wire"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

func testConfig() Config {
	return Config{
		TCP: transport.TCPConfig{Addr: "127.0.0.1:0"},
		UDP: transport.UDPConfig{Addr: "127.0.0.1:0"},
	}
}

func startSupervisor(t *testing.T, cfg Config) (*Supervisor, context.CancelFunc, chan error) {
	t.Helper()

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.State() == StateRunning
	}, 3*time.Second, 10*time.Millisecond)
	return sup, cancel, done
}

func waitStopped(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func sendPing(t *testing.T, addr string) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	codec, err := wire.NewCodec(wire.Options{})
	require.NoError(t, err)
	frame, err := codec.Encode(&wire.Message{Kind: wire.KindPing, Seq: 1})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	header := make([]byte, wire.HeaderSize)
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(header[12:16])
	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	require.Equal(t, uint8(wire.KindPong), header[3])
}

func TestRunAndCleanShutdown(t *testing.T) {
	sup, cancel, done := startSupervisor(t, testConfig())

	sendPing(t, sup.TCPAddr().String())

	cancel()
	require.NoError(t, waitStopped(t, done))
	require.Equal(t, StateStopped, sup.State())
	require.Zero(t, sup.Registry().Count())
}

func TestBindFailureIsFatal(t *testing.T) {
	// 占住端口制造绑定冲突。
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.TCP.Addr = ln.Addr().String()

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)

	runErr := sup.Run(context.Background())
	require.ErrorIs(t, runErr, merr.ErrBindFailed)
	require.Equal(t, StateStopped, sup.State())
}

func TestUDPBindFailureReleasesTCP(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	cfg := testConfig()
	cfg.UDP.Addr = conn.LocalAddr().String()

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)

	runErr := sup.Run(context.Background())
	require.ErrorIs(t, runErr, merr.ErrBindFailed)
	require.Equal(t, StateStopped, sup.State())
}

func TestDrainRejectsNewConnections(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = time.Second
	sup, cancel, done := startSupervisor(t, cfg)
	addr := sup.TCPAddr().String()

	cancel()

	// 排空开始后新的 TCP 连接要么无法建立，要么被立即关闭。
	if conn, err := net.Dial("tcp", addr); err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		_, readErr := conn.Read(buf)
		require.Error(t, readErr)
		_ = conn.Close()
	}

	require.NoError(t, waitStopped(t, done))
}

func TestIdleEviction(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.EvictInterval = 50 * time.Millisecond
	sup, cancel, done := startSupervisor(t, cfg)
	defer func() {
		cancel()
		_ = waitStopped(t, done)
	}()

	// 发送一个 UDP 数据报派生伪会话，随后不再有流量。
	udpConn, err := net.Dial("udp", sup.UDPAddr().String())
	require.NoError(t, err)
	defer udpConn.Close()

	codec, err := wire.NewCodec(wire.Options{MaxPayload: wire.MaxUDPPayload})
	require.NoError(t, err)
	frame, err := codec.Encode(&wire.Message{Kind: wire.KindPing, Seq: 1})
	require.NoError(t, err)
	_, err = udpConn.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sup.Registry().Count() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 空闲超时后被回收。
	require.Eventually(t, func() bool {
		return sup.Registry().Count() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

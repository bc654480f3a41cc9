package server

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/proj2-serv/internal/admission"
	"github.com/lk2023060901/proj2-serv/internal/dispatch"
	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/speedtest"
	"github.com/lk2023060901/proj2-serv/internal/transport"
	"github.com/lk2023060901/proj2-serv/pkg/log"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// State 为 Supervisor 的生命周期状态。
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config 为服务核心的完整配置。
type Config struct {
	TCP       transport.TCPConfig `mapstructure:"tcp"`
	UDP       transport.UDPConfig `mapstructure:"udp"`
	Session   session.Limits      `mapstructure:"session"`
	Admission admission.Limits    `mapstructure:"admission"`
	Speedtest speedtest.Config    `mapstructure:"speedtest"`

	// IdleTimeout 为会话空闲回收阈值，0 时使用默认值 60s。
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
	// EvictInterval 为空闲回收扫描周期，0 时使用默认值 10s。
	EvictInterval time.Duration `mapstructure:"evictInterval"`
	// DrainTimeout 为排空阶段等待在途请求的上限，0 时使用默认值 10s。
	DrainTimeout time.Duration `mapstructure:"drainTimeout"`
	// DispatchWorkers 为 Deferred 工作池并发上限，0 时使用默认值 32。
	DispatchWorkers int `mapstructure:"dispatchWorkers"`
}

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultEvictInterval   = 10 * time.Second
	defaultDrainTimeout    = 10 * time.Second
	defaultDispatchWorkers = 32

	// drainPollInterval 为排空阶段轮询在途计数的周期。
	drainPollInterval = 20 * time.Millisecond
)

func (c *Config) withDefaults() {
	if c.TCP.Addr == "" {
		c.TCP.Addr = ":8080"
	}
	if c.UDP.Addr == "" {
		c.UDP.Addr = ":7070"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = defaultEvictInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = defaultDispatchWorkers
	}
}

// Supervisor 是服务核心的顶层组件，负责装配各子系统并驱动
// Starting -> Running -> Draining -> Stopped 的生命周期。
type Supervisor struct {
	cfg Config

	registry   *session.Registry
	controller *admission.Controller
	dispatcher *dispatch.Dispatcher
	tcp        *transport.TCPServer
	udp        *transport.UDPServer

	state atomic.Int32
}

// NewSupervisor 装配全部子系统并注册业务路由，不绑定任何端口。
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg.withDefaults()

	registry := session.NewRegistry(cfg.Session)
	controller := admission.NewController(cfg.Admission)
	dispatcher := dispatch.NewDispatcher(context.Background(), cfg.DispatchWorkers)

	if err := speedtest.NewService(cfg.Speedtest).RegisterRoutes(dispatcher); err != nil {
		dispatcher.Close()
		return nil, err
	}

	deps := transport.Deps{Registry: registry, Admission: controller, Dispatcher: dispatcher}
	tcp, err := transport.NewTCPServer(cfg.TCP, deps)
	if err != nil {
		dispatcher.Close()
		return nil, err
	}
	udp, err := transport.NewUDPServer(cfg.UDP, deps)
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	return &Supervisor{
		cfg:        cfg,
		registry:   registry,
		controller: controller,
		dispatcher: dispatcher,
		tcp:        tcp,
		udp:        udp,
	}, nil
}

// State 返回当前生命周期状态。
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	old := State(s.state.Swap(int32(state)))
	if old != state {
		log.Info("supervisor state changed", log.FieldComponent("supervisor"),
			zap.String("from", old.String()), zap.String("to", state.String()))
	}
}

// TCPAddr 返回 TCP 实际监听地址，仅在启动成功后有效。
func (s *Supervisor) TCPAddr() net.Addr { return s.tcp.Addr() }

// UDPAddr 返回 UDP 实际监听地址，仅在启动成功后有效。
func (s *Supervisor) UDPAddr() net.Addr { return s.udp.Addr() }

// Registry 返回会话注册表。
func (s *Supervisor) Registry() *session.Registry { return s.registry }

// Run 启动服务并阻塞运行，直到 ctx 取消触发排空流程结束。
//
// 任一端口绑定失败直接进入 Stopped 并返回致命错误；
// 正常路径上 ctx 取消后执行排空，返回 nil 表示干净停机。
func (s *Supervisor) Run(ctx context.Context) error {
	s.setState(StateStarting)

	if err := s.tcp.Listen(); err != nil {
		s.setState(StateStopped)
		return err
	}
	if err := s.udp.Listen(); err != nil {
		_ = s.tcp.Close()
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.tcp.Serve(gctx) })
	g.Go(func() error { return s.udp.Serve(gctx) })
	g.Go(func() error {
		s.evictLoop(gctx)
		return nil
	})

	var fatal error
	select {
	case <-ctx.Done():
		s.drain()
	case <-gctx.Done():
		// 服务循环内部错误，直接收尾。
		if cause := context.Cause(gctx); !errors.Is(cause, context.Canceled) {
			fatal = cause
			log.Error("serve loop failed", zap.Error(fatal))
		}
	}

	cancelRun()
	_ = s.tcp.Close()
	_ = s.udp.Close()
	if err := g.Wait(); err != nil && fatal == nil && !errors.Is(err, context.Canceled) {
		fatal = err
	}

	s.dispatcher.Close()
	s.registry.Clear()
	s.setState(StateStopped)
	return fatal
}

// drain 执行排空流程：停止接纳新会话，等待在途请求结束，超时后强制关闭。
func (s *Supervisor) drain() {
	s.setState(StateDraining)

	s.tcp.BeginDrain()
	s.udp.BeginDrain()
	s.dispatcher.Drain()

	deadline := time.NewTimer(s.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPollInterval)
	defer tick.Stop()

	for {
		if s.controller.GlobalInflight() == 0 {
			log.Info("drain complete, no inflight work remains")
			return
		}
		select {
		case <-deadline.C:
			log.Warn("drain deadline reached, force closing remaining sessions",
				zap.Error(merr.WrapErrDrainTimeout(s.registry.Count())))
			s.tcp.CloseAll()
			return
		case <-tick.C:
		}
	}
}

// evictLoop 周期性回收空闲会话。TCP 会话回收时同步关闭底层连接。
func (s *Supervisor) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := s.registry.EvictIdle(now, s.cfg.IdleTimeout)
			for _, sess := range evicted {
				if sess.Transport() == session.TransportTCP {
					s.tcp.Kick(sess.ID())
				}
			}
			if len(evicted) > 0 {
				log.Info("idle sessions evicted", zap.Int("count", len(evicted)))
			}
		}
	}
}

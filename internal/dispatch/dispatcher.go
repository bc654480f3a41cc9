package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/internal/wire"
	"github.com/lk2023060901/proj2-serv/pkg/log"
	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	"github.com/lk2023060901/proj2-serv/pkg/util/conc"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// ResponseWriter 由传输层实现，负责将消息写回当前会话的对端。
//
// 约定：
//   - TCP 实现必须保证同一会话内的写入顺序与调用顺序一致（FIFO）；
//   - UDP 实现按数据报发出，不提供顺序保证；
//   - 实现必须并发安全：同步响应与 Deferred 任务可能同时写入。
type ResponseWriter interface {
	WriteMessage(msg *wire.Message) error
}

// Context 携带一次调度所需的全部信息，作为 Handler 的唯一入参。
type Context struct {
	// Ctx 为本次请求的上下文，随会话关闭或服务排空而取消。
	Ctx context.Context
	// Session 为消息来源会话。
	Session *session.Session
	// Msg 为已解码的请求消息。
	Msg *wire.Message
	// Writer 用于向对端写回消息，Deferred 任务也通过它发送。
	Writer ResponseWriter

	dispatcher *Dispatcher
}

// Defer 将 task 提交到后台工作池异步执行，用于 Handler 无法在同步调用内
// 完成的长时任务。task 收到的 ctx 在服务进入排空阶段时取消，
// 尚未开始的任务在排空后不再启动。
func (c *Context) Defer(task func(ctx context.Context)) error {
	return c.dispatcher.deferTask(task)
}

// Handler 为业务层实现的处理函数。
//
// 返回：
//   - resp 非 nil 时由 Dispatcher 经 Writer 同步写回；
//   - resp 为 nil 且 err 为 nil 表示无响应（fire-and-forget 或已 Defer）；
//   - err 非 nil 时调度结果为 Fault，由调用方决定是否回错误帧。
type Handler func(dctx *Context) (resp *wire.Message, err error)

// Route 描述一条路由规则：消息类型 -> 业务 Handler。
type Route struct {
	Handler Handler
}

// Dispatcher 维护消息类型到路由规则的映射，并承载 Deferred 任务的工作池。
//
// 路由表在服务启动前注册完毕，运行期只读，因此查表无需加锁。
type Dispatcher struct {
	routes map[wire.Kind]Route

	baseCtx context.Context
	cancel  context.CancelFunc
	pool    *conc.Pool[any]
}

// NewDispatcher 创建一个 Dispatcher。
//
// 参数：
//   - ctx     ：根上下文，取消后所有 Deferred 任务收到取消信号；
//   - workers ：Deferred 工作池的并发上限。
func NewDispatcher(ctx context.Context, workers int) *Dispatcher {
	baseCtx, cancel := context.WithCancel(ctx)
	// 工作池容量固定，预分配 worker；Deferred 任务中的 panic
	// 记录日志后吞掉，不拖垮整个进程。
	pool := conc.NewPool[any](workers,
		conc.WithPreAlloc(true),
		conc.WithConcealPanic(true))
	return &Dispatcher{
		routes:  make(map[wire.Kind]Route),
		baseCtx: baseCtx,
		cancel:  cancel,
		pool:    pool,
	}
}

// Register 为消息类型 kind 注册一条路由规则，重复注册返回错误。
func (d *Dispatcher) Register(kind wire.Kind, route Route) error {
	if route.Handler == nil {
		return fmt.Errorf("dispatch: handler is nil for kind=%s", kind)
	}
	if _, exists := d.routes[kind]; exists {
		return fmt.Errorf("dispatch: kind=%s already registered", kind)
	}
	d.routes[kind] = route
	return nil
}

// MustRegister 与 Register 相同，失败时 panic。仅用于启动期的静态路由表装配。
func (d *Dispatcher) MustRegister(kind wire.Kind, route Route) {
	if err := d.Register(kind, route); err != nil {
		panic(err)
	}
}

// Dispatch 将一条已解码的消息路由给对应 Handler。
//
// 行为：
//   - 未注册的消息类型返回 ErrUnknownKind，不触碰会话状态；
//   - Handler 返回错误时包装为 ErrHandlerFault 返回；
//   - Handler 返回响应时经 writer 同步写回，写回失败的错误原样上抛。
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, msg *wire.Message, writer ResponseWriter) error {
	route, ok := d.routes[msg.Kind]
	if !ok {
		metrics.MalformedMessages.WithLabelValues(string(sess.Transport())).Inc()
		return merr.WrapErrUnknownKind(uint8(msg.Kind))
	}

	start := time.Now()
	resp, err := route.Handler(&Context{
		Ctx:        ctx,
		Session:    sess,
		Msg:        msg,
		Writer:     writer,
		dispatcher: d,
	})
	metrics.RequestLatency.WithLabelValues(msg.Kind.String()).
		Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		return merr.WrapErrHandlerFault(uint8(msg.Kind), err)
	}
	if resp == nil {
		return nil
	}
	return writer.WriteMessage(resp)
}

func (d *Dispatcher) deferTask(task func(ctx context.Context)) error {
	if err := d.baseCtx.Err(); err != nil {
		return merr.WrapErrDraining()
	}
	d.pool.Submit(func() (any, error) {
		// 提交与启动之间可能进入排空阶段，任务内部通过 ctx 感知。
		if err := d.baseCtx.Err(); err != nil {
			log.Debug("deferred task skipped, dispatcher draining")
			return nil, nil
		}
		task(d.baseCtx)
		return nil, nil
	})
	return nil
}

// Drain 取消所有未开始的 Deferred 任务并向运行中的任务发出取消信号。
func (d *Dispatcher) Drain() {
	d.cancel()
}

// Close 停止工作池。应在 Drain 之后、全部在途任务结束时调用。
func (d *Dispatcher) Close() {
	d.cancel()
	d.pool.Release()
}

package admission

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/lk2023060901/proj2-serv/internal/session"
	"github.com/lk2023060901/proj2-serv/pkg/metrics"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// Limits 定义准入控制的容量上限，0 表示该项不限制。
type Limits struct {
	// MaxGlobalInflight 为全局在途请求数上限。
	MaxGlobalInflight int64 `mapstructure:"maxGlobalInflight"`
	// MaxSessionInflight 为单会话在途请求数上限。
	MaxSessionInflight int64 `mapstructure:"maxSessionInflight"`
	// MaxSessionQueuedBytes 为单会话排队 payload 字节数上限。
	MaxSessionQueuedBytes int64 `mapstructure:"maxSessionQueuedBytes"`
}

const (
	reasonGlobal     = "global_limit"
	reasonSession    = "session_limit"
	reasonQueueBytes = "queue_bytes_limit"
)

// Controller 在消息进入 Dispatcher 之前执行准入控制，
// 约束全局与单会话的在途请求数以及单会话的排队字节数。
//
// 计数器全部为原子量，无锁路径：先递增再校验，超限立即回退，
// 保证任意并发交织下成功的准入恰好不超过各项上限。
type Controller struct {
	limits Limits

	globalInflight atomic.Int64
}

// NewController 创建一个 Controller。
func NewController(limits Limits) *Controller {
	return &Controller{limits: limits}
}

// TryAdmit 尝试为 sess 上一条 size 字节的消息预留处理容量。
//
// 成功时返回 Ticket，调用方必须在处理结束后调用 Release 归还容量，
// 无论处理成功还是失败。失败时按检查顺序返回：
// ErrGlobalLimitExceeded、ErrSessionLimitExceeded、ErrQueueByteLimitExceeded。
func (c *Controller) TryAdmit(sess *session.Session, size int) (*Ticket, error) {
	if limit := c.limits.MaxGlobalInflight; limit > 0 {
		if c.globalInflight.Inc() > limit {
			c.globalInflight.Dec()
			metrics.AdmissionRejected.WithLabelValues(reasonGlobal).Inc()
			return nil, merr.WrapErrGlobalLimitExceeded(limit)
		}
	} else {
		c.globalInflight.Inc()
	}

	if limit := c.limits.MaxSessionInflight; limit > 0 {
		if sess.AddInflight(1) > limit {
			sess.AddInflight(-1)
			c.globalInflight.Dec()
			metrics.AdmissionRejected.WithLabelValues(reasonSession).Inc()
			return nil, merr.WrapErrSessionLimitExceeded(sess.ID(), limit)
		}
	} else {
		sess.AddInflight(1)
	}

	if limit := c.limits.MaxSessionQueuedBytes; limit > 0 {
		if queued := sess.AddQueuedBytes(int64(size)); queued > limit {
			sess.AddQueuedBytes(int64(-size))
			sess.AddInflight(-1)
			c.globalInflight.Dec()
			metrics.AdmissionRejected.WithLabelValues(reasonQueueBytes).Inc()
			return nil, merr.WrapErrQueueByteLimitExceeded(sess.ID(), queued, limit)
		}
	} else {
		sess.AddQueuedBytes(int64(size))
	}

	metrics.InflightRequests.Inc()
	return &Ticket{controller: c, sess: sess, size: int64(size)}, nil
}

// GlobalInflight 返回当前全局在途请求数。
func (c *Controller) GlobalInflight() int64 {
	return c.globalInflight.Load()
}

// Ticket 表示一次已预留的处理容量。
//
// Release 幂等：重复调用只会归还一次，错误路径与正常路径共用同一出口，
// 保证计数器不会欠账或多释放。
type Ticket struct {
	controller *Controller
	sess       *session.Session
	size       int64
	once       sync.Once
}

// Session 返回该 Ticket 关联的会话。
func (t *Ticket) Session() *session.Session { return t.sess }

// Release 归还本 Ticket 预留的全部容量。
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.sess.AddQueuedBytes(-t.size)
		t.sess.AddInflight(-1)
		t.controller.globalInflight.Dec()
		metrics.InflightRequests.Dec()
	})
}

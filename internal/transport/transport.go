package transport

import (
	"github.com/lk2023060901/proj2-serv/internal/admission"
	"github.com/lk2023060901/proj2-serv/internal/dispatch"
	"github.com/lk2023060901/proj2-serv/internal/session"
)

// Deps 汇集两个传输层监听器共同依赖的核心组件。
//
// 数据流：Listener -> Codec -> Admission -> Dispatcher -> Codec -> Listener 写回。
// Registry 由监听器在接入/收包时咨询，Admission 在每条消息进入 Dispatcher 前执行。
type Deps struct {
	Registry   *session.Registry
	Admission  *admission.Controller
	Dispatcher *dispatch.Dispatcher
}

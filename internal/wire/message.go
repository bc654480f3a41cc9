package wire

import "fmt"

// Kind 表示应用层消息类型。
//
// 约定：
//   - Kind 为封闭枚举：Dispatcher 对未注册的 Kind 统一返回 UnknownKind 错误，
//     编解码层不校验 Kind 取值，保证新增消息类型只需要在路由表中注册；
//   - 0x01..0x0A 为测速业务消息，0x0F 为服务器侧错误响应。
type Kind uint8

const (
	KindPing          Kind = 0x01 // 探活请求，payload 原样回显
	KindPong          Kind = 0x02 // 探活响应
	KindDownloadStart Kind = 0x03 // 请求服务器开始下行压测
	KindDownloadAck   Kind = 0x04 // 服务器确认下行压测请求
	KindDownloadChunk Kind = 0x05 // 下行压测数据块
	KindDownloadDone  Kind = 0x06 // 下行压测结束，payload 为 JSON 统计
	KindUploadStart   Kind = 0x07 // 请求服务器开启上行压测窗口
	KindUploadAck     Kind = 0x08 // 服务器确认上行压测窗口
	KindUploadChunk   Kind = 0x09 // 上行压测数据块，无响应
	KindUploadReport  Kind = 0x0A // 上行压测窗口到期，payload 为 JSON 统计
	KindError         Kind = 0x0F // 错误响应，payload 为 JSON 错误体
)

var kindNames = map[Kind]string{
	KindPing:          "ping",
	KindPong:          "pong",
	KindDownloadStart: "download_start",
	KindDownloadAck:   "download_ack",
	KindDownloadChunk: "download_chunk",
	KindDownloadDone:  "download_done",
	KindUploadStart:   "upload_start",
	KindUploadAck:     "upload_ack",
	KindUploadChunk:   "upload_chunk",
	KindUploadReport:  "upload_report",
	KindError:         "error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(k))
}

// Message 表示一条已解码的应用层消息。
//
// Seq 为对端维护的关联序号：请求/响应消息中，响应必须原样回带请求的 Seq，
// 以便 UDP 客户端在无连接语义下匹配响应。
type Message struct {
	Kind    Kind
	Seq     uint32
	Payload []byte
}

package wire

import (
	"github.com/lk2023060901/proj2-serv/internal/json"
	"github.com/lk2023060901/proj2-serv/pkg/util/merr"
)

// TransferStats 为 DownloadDone/UploadReport 消息的 JSON payload。
type TransferStats struct {
	// Bytes 为窗口内实际传输的 payload 字节总数。
	Bytes uint64 `json:"bytes"`
	// DurationMs 为传输窗口的实际时长，单位毫秒。
	DurationMs int64 `json:"duration_ms"`
	// Chunks 为窗口内传输的数据块数量。
	Chunks uint64 `json:"chunks"`
}

// ErrorBody 为 KindError 消息的 JSON payload。
type ErrorBody struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// MarshalStats 将统计对象编码为 payload 字节。
func MarshalStats(stats *TransferStats) ([]byte, error) {
	return json.Marshal(stats)
}

// UnmarshalStats 从 payload 字节解析统计对象。
func UnmarshalStats(data []byte) (*TransferStats, error) {
	stats := &TransferStats{}
	if err := json.Unmarshal(data, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// UnmarshalErrorBody 从 payload 字节解析错误体。
func UnmarshalErrorBody(data []byte) (*ErrorBody, error) {
	body := &ErrorBody{}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return body, nil
}

// NewErrorMessage 根据错误构造一条 KindError 响应消息。
// seq 为被拒绝请求的序号，原样回带。
func NewErrorMessage(seq uint32, err error) *Message {
	body := &ErrorBody{
		Code:    merr.Code(err),
		Message: err.Error(),
	}
	payload, jsonErr := json.Marshal(body)
	if jsonErr != nil {
		// 错误体自身无法编码时退化为空 payload，错误码信息丢失但帧仍然合法。
		payload = nil
	}
	return &Message{
		Kind:    KindError,
		Seq:     seq,
		Payload: payload,
	}
}

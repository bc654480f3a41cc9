// Package json 基于 bytedance/sonic 封装统一的 JSON 编解码入口。
package json

import (
	"github.com/bytedance/sonic"
)

// Marshal 将 v 序列化为 JSON 字节。
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal 将 JSON 字节反序列化到 v 中。
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

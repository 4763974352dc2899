package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DeriveKey 从命名空间和规范化负载派生内容寻址缓存键。
// 派生必须跨进程重启确定：JSON 负载先反序列化再重序列化，
// encoding/json 对 map 键做字典序排序，消除字段顺序差异。
// 非 JSON 负载直接按原始字节哈希。
func DeriveKey(namespace string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write(canonicalize(payload))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// canonicalize 规范化 JSON 负载，保证稳定的字段顺序
func canonicalize(payload []byte) []byte {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	data, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return data
}

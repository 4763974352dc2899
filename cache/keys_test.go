package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// 键派生必须跨进程确定：字段顺序不同的等价 JSON 产生同一个键
func TestDeriveKey_FieldOrderIndependent(t *testing.T) {
	a := DeriveKey("intents", []byte(`{"text":"turn on the lights","lang":"en"}`))
	b := DeriveKey("intents", []byte(`{"lang":"en","text":"turn on the lights"}`))
	assert.Equal(t, a, b)
}

func TestDeriveKey_NamespaceSeparation(t *testing.T) {
	payload := []byte(`{"text":"hello"}`)
	assert.NotEqual(t, DeriveKey("intents", payload), DeriveKey("chat", payload))
}

func TestDeriveKey_DifferentPayloads(t *testing.T) {
	assert.NotEqual(t,
		DeriveKey("chat", []byte(`{"text":"a"}`)),
		DeriveKey("chat", []byte(`{"text":"b"}`)))
}

// 非 JSON 负载按原始字节哈希
func TestDeriveKey_NonJSONPayload(t *testing.T) {
	a := DeriveKey("blobs", []byte{0x01, 0x02, 0x03})
	b := DeriveKey("blobs", []byte{0x01, 0x02, 0x03})
	c := DeriveKey("blobs", []byte{0x01, 0x02, 0x04})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestDeriveKey_NestedObjects(t *testing.T) {
	a := DeriveKey("chat", []byte(`{"opts":{"top_p":0.9,"temp":0.1},"text":"hi"}`))
	b := DeriveKey("chat", []byte(`{"text":"hi","opts":{"temp":0.1,"top_p":0.9}}`))
	assert.Equal(t, a, b)
}

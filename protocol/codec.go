package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec 连接级别的编解码方式；一条连接上所有消息使用同一种
type Codec interface {
	Name() string
	// Binary 为 true 时以二进制帧发送
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// CodecByName 按名称查找编解码器，空名称为 JSON
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON, true
	case "msgpack":
		return MsgPack, true
	}
	return nil, false
}

type jsonCodec struct{}

func (jsonCodec) Name() string                    { return "json" }
func (jsonCodec) Binary() bool                    { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// msgpack 复用 json 标签，两种编码的字段名保持一致
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Prepared 对同一条广播消息按编解码器缓存编码结果，
// 房间广播时每种编码只序列化一次。非并发安全，由房间协程独占使用。
type Prepared struct {
	v     any
	cache map[string][]byte
}

func Prepare(v any) *Prepared {
	return &Prepared{v: v, cache: make(map[string][]byte, 2)}
}

// Encode 编码 v；*Prepared 走缓存
func Encode(c Codec, v any) ([]byte, error) {
	p, ok := v.(*Prepared)
	if !ok {
		return c.Marshal(v)
	}
	if b, ok := p.cache[c.Name()]; ok {
		return b, nil
	}
	b, err := c.Marshal(p.v)
	if err != nil {
		return nil, err
	}
	p.cache[c.Name()] = b
	return b, nil
}

// Frame 一条已读取的入站消息
type Frame struct {
	Base
	Raw   []byte
	codec Codec
}

// DecodeFrame 先解出 type/id，完整内容延迟到 Decode
func DecodeFrame(c Codec, b []byte) (Frame, error) {
	var base Base
	if err := c.Unmarshal(b, &base); err != nil {
		return Frame{}, fmt.Errorf("decode %s frame: %w", c.Name(), err)
	}
	return Frame{Base: base, Raw: b, codec: c}, nil
}

// Decode 把整条消息解码到 v
func (f Frame) Decode(v any) error {
	if f.codec == nil {
		return json.Unmarshal(f.Raw, v)
	}
	return f.codec.Unmarshal(f.Raw, v)
}

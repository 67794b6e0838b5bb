package encoding

import (
	"github.com/vmihailenco/msgpack/v5"
)

type msgpackCodec[T any] struct {
	topicType string
}

// MessagePack encodes any msgpack serializable type. MessagePack carries no
// schema, so Description is empty.
func MessagePack[T any]() Codec[T] {
	return &msgpackCodec[T]{topicType: "mpack:" + TypeName[T]()}
}

func (c *msgpackCodec[T]) TopicType() string   { return c.topicType }
func (c *msgpackCodec[T]) Description() string { return "" }

func (c *msgpackCodec[T]) Encode(msg T) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (c *msgpackCodec[T]) Decode(data []byte) (T, error) {
	var msg T
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		var zero T
		return zero, decodeError(c.topicType, data, err)
	}
	return msg, nil
}

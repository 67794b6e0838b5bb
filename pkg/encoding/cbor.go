package encoding

import (
	"github.com/fxamacker/cbor/v2"
)

type cborCodec[T any] struct {
	topicType string
	enc       cbor.EncMode
	dec       cbor.DecMode
}

// CBOR encodes any cbor serializable type using deterministic core encoding,
// so equal messages produce equal payloads.
func CBOR[T any]() Codec[T] {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborCodec[T]{
		topicType: "cbor:" + TypeName[T](),
		enc:       enc,
		dec:       dec,
	}
}

func (c *cborCodec[T]) TopicType() string   { return c.topicType }
func (c *cborCodec[T]) Description() string { return "" }

func (c *cborCodec[T]) Encode(msg T) ([]byte, error) {
	return c.enc.Marshal(msg)
}

func (c *cborCodec[T]) Decode(data []byte) (T, error) {
	var msg T
	if err := c.dec.Unmarshal(data, &msg); err != nil {
		var zero T
		return zero, decodeError(c.topicType, data, err)
	}
	return msg, nil
}

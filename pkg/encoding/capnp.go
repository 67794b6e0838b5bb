package encoding

import (
	"capnproto.org/go/capnp/v3"
)

type capnpCodec struct {
	topicType string
}

// Capnp encodes Cap'n Proto messages in the standard stream framing. Cap'n
// Proto types are not known from the Go type, so the schema name is explicit.
func Capnp(typeName string) Codec[*capnp.Message] {
	return &capnpCodec{topicType: "capnp:" + typeName}
}

func (c *capnpCodec) TopicType() string   { return c.topicType }
func (c *capnpCodec) Description() string { return "" }

func (c *capnpCodec) Encode(msg *capnp.Message) ([]byte, error) {
	return msg.Marshal()
}

func (c *capnpCodec) Decode(data []byte) (*capnp.Message, error) {
	// Unmarshal aliases its input; the payload may live in a reused buffer.
	owned := make([]byte, len(data))
	copy(owned, data)

	msg, err := capnp.Unmarshal(owned)
	if err != nil {
		return nil, decodeError(c.topicType, data, err)
	}
	return msg, nil
}

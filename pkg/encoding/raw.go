package encoding

type rawCodec struct{}

// Raw passes bytes through untouched.
func Raw() Codec[[]byte] { return rawCodec{} }

func (rawCodec) TopicType() string   { return "raw:bytes" }
func (rawCodec) Description() string { return "" }

func (rawCodec) Encode(msg []byte) ([]byte, error) { return msg, nil }

func (rawCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

type opaqueCodec struct {
	rawCodec
	topicType string
}

// Opaque passes bytes through while advertising an arbitrary topic type.
// Transports use it to stand in for endpoints whose codec lives elsewhere;
// an empty topic type matches every counterpart.
func Opaque(topicType string) Codec[[]byte] {
	return opaqueCodec{topicType: topicType}
}

func (c opaqueCodec) TopicType() string { return c.topicType }

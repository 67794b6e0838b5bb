package encoding

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
)

type protobufCodec[T proto.Message] struct {
	prototype   T
	topicType   string
	description string
}

// Protobuf encodes generated protobuf messages. The prototype is only used
// for its descriptor, e.g. Protobuf(&pb.Ping{}).
func Protobuf[T proto.Message](prototype T) Codec[T] {
	desc := prototype.ProtoReflect().Descriptor()

	var description string
	if fd := desc.ParentFile(); fd != nil {
		// The schema travels as a serialized FileDescriptorProto so tooling
		// on the other side can reflect over the payload.
		if b, err := proto.Marshal(protodesc.ToFileDescriptorProto(fd)); err == nil {
			description = string(b)
		}
	}

	return &protobufCodec[T]{
		prototype:   prototype,
		topicType:   "proto:" + string(desc.FullName()),
		description: description,
	}
}

func (c *protobufCodec[T]) TopicType() string   { return c.topicType }
func (c *protobufCodec[T]) Description() string { return c.description }

func (c *protobufCodec[T]) Encode(msg T) ([]byte, error) {
	return proto.Marshal(msg)
}

func (c *protobufCodec[T]) Decode(data []byte) (T, error) {
	msg := c.prototype.ProtoReflect().New().Interface().(T)
	if err := proto.Unmarshal(data, msg); err != nil {
		var zero T
		return zero, decodeError(c.topicType, data, err)
	}
	return msg, nil
}

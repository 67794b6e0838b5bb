// Package encoding converts typed application messages to and from the raw
// payload bytes carried by the bus. Each variant advertises a topic type that
// endpoints compare when they are matched.
package encoding

import (
	"reflect"
	"strings"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
)

// Codec is the capability set every encoding variant implements.
type Codec[T any] interface {
	// TopicType is the descriptor compared at match time, e.g. "mpack:Ping".
	TopicType() string
	// Description is optional schema information; empty when the format has none.
	Description() string
	Encode(msg T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// TypeNamer lets a message type choose the name used in its topic type.
type TypeNamer interface {
	TypeName() string
}

// TypeName returns the name a message type advertises: its TypeName method
// when it implements TypeNamer, otherwise the reflected <package>.<Type>.
func TypeName[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if n, ok := reflect.New(t).Elem().Interface().(TypeNamer); ok {
		return n.TypeName()
	}
	if n, ok := reflect.New(t).Interface().(TypeNamer); ok {
		return n.TypeName()
	}
	return t.String()
}

// Compatible reports whether two topic types may exchange messages. An empty
// descriptor matches anything; forwarding endpoints use it.
func Compatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Format returns the prefix of a topic type, e.g. "proto" for "proto:pkg.Msg".
func Format(topicType string) string {
	format, _, found := strings.Cut(topicType, ":")
	if !found {
		return ""
	}
	return format
}

func decodeError(topicType string, data []byte, err error) error {
	return errors.NewDecodeError(topicType, len(data), err)
}

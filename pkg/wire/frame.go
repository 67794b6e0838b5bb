// Package wire encodes samples for transport between process instances.
//
// A frame is a version byte followed by uvarint length-prefixed strings and
// uvarint integers:
//
//	version | origin | topic | descriptor | publisher id | sequence | timestamp | payload
//
// Signed fields are zigzag encoded.
package wire

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// Version is the only frame version understood.
const Version byte = 1

// MaxFrameSize bounds decoded frames and every length prefix inside them.
const MaxFrameSize = 64 << 20

var (
	// ErrTruncated is returned when a frame ends before a field does.
	ErrTruncated = errors.New("wire: truncated frame")

	// ErrVersion is returned for frames from an incompatible encoder.
	ErrVersion = errors.New("wire: unsupported frame version")

	// ErrTooLarge is returned for frames or fields above MaxFrameSize.
	ErrTooLarge = errors.New("wire: frame too large")

	// ErrRange is returned for integers that do not fit a 63 bit varint.
	ErrRange = errors.New("wire: value out of varint range")
)

// Frame is one sample as seen on the wire.
type Frame struct {
	// Origin identifies the sending process instance.
	Origin      string
	Topic       string
	Descriptor  string
	PublisherID int64
	Sequence    uint64
	Timestamp   int64
	Payload     []byte
}

// Size returns the encoded length of f.
func (f *Frame) Size() int {
	n := 1
	for _, s := range []string{f.Origin, f.Topic, f.Descriptor} {
		n += varint.UvarintSize(uint64(len(s))) + len(s)
	}
	n += varint.UvarintSize(zigzag(f.PublisherID))
	n += varint.UvarintSize(f.Sequence)
	n += varint.UvarintSize(zigzag(f.Timestamp))
	n += varint.UvarintSize(uint64(len(f.Payload))) + len(f.Payload)
	return n
}

// Marshal encodes f. Sequences and zigzagged ids and timestamps must fit in
// 63 bits.
func (f *Frame) Marshal() ([]byte, error) {
	for _, v := range []uint64{zigzag(f.PublisherID), f.Sequence, zigzag(f.Timestamp)} {
		if v > varint.MaxValueUvarint63 {
			return nil, ErrRange
		}
	}

	size := f.Size()
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	buf := make([]byte, size)
	buf[0] = Version
	off := 1
	for _, s := range []string{f.Origin, f.Topic, f.Descriptor} {
		off += varint.PutUvarint(buf[off:], uint64(len(s)))
		off += copy(buf[off:], s)
	}
	off += varint.PutUvarint(buf[off:], zigzag(f.PublisherID))
	off += varint.PutUvarint(buf[off:], f.Sequence)
	off += varint.PutUvarint(buf[off:], zigzag(f.Timestamp))
	off += varint.PutUvarint(buf[off:], uint64(len(f.Payload)))
	copy(buf[off:], f.Payload)
	return buf, nil
}

// Unmarshal decodes data into a new frame. The payload is copied.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	if len(data) > MaxFrameSize {
		return nil, ErrTooLarge
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, data[0])
	}

	d := decoder{buf: data[1:]}
	f := &Frame{
		Origin:     d.string(),
		Topic:      d.string(),
		Descriptor: d.string(),
	}
	f.PublisherID = unzigzag(d.uvarint())
	f.Sequence = d.uvarint()
	f.Timestamp = unzigzag(d.uvarint())
	f.Payload = d.bytes()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes", len(d.buf))
	}
	return f, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(d.buf)
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			err = ErrTruncated
		}
		d.err = err
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > MaxFrameSize {
		d.err = ErrTooLarge
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrTruncated
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) string() string {
	return string(d.bytes())
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

package codec

import (
	"encoding/binary"
	"errors"
	"sort"

	"canary-rpc/message"
)

var (
	errNotMessage  = errors.New("BinaryCodec: v must be *RPCMessage")
	errShortBuffer = errors.New("BinaryCodec: short buffer")
)

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	u16 method | method | u32 payload | payload | u16 error | error |
//	u16 nheader | (u16 name | name | u16 value | value) * nheader
//
// Header pairs are written in sorted name order so equal messages encode identically.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}

	names := make([]string, 0, len(msg.Header))
	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error) + 2
	for name, value := range msg.Header {
		names = append(names, name)
		total += 2 + len(name) + 2 + len(value)
	}
	sort.Strings(names)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(names)))
	for _, name := range names {
		buf = appendString16(buf, name)
		buf = appendString16(buf, msg.Header[name])
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}

	r := &binaryReader{data: data}
	msg.ServiceMethod = r.string16()
	msg.Payload = r.bytes32()
	msg.Error = r.string16()
	n := int(r.uint16())
	if n > 0 && r.err == nil {
		msg.Header = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			name := r.string16()
			msg.Header[name] = r.string16()
		}
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// binaryReader walks a buffer and latches the first error.
type binaryReader struct {
	data   []byte
	offset int
	err    error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) string16() string {
	return string(r.next(int(r.uint16())))
}

func (r *binaryReader) bytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	raw := r.next(int(binary.BigEndian.Uint32(b)))
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec is a compact binary encoding that, unlike BinaryCodec, works
// for any value and not only *RPCMessage.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}

package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec is human-readable and easy to debug, at the cost of size and speed.
// Header values are written without HTML escaping so they read back verbatim
// in captures.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType { return CodecTypeJSON }

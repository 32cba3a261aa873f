// Package message defines the RPC envelope exchanged between client and server.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Header carries the caller's request headers,
//     Payload contains the serialized args.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string            `json:"service_method" msgpack:"service_method"` // "Service.Method", e.g. "Auth.Token"
	Header        map[string]string `json:"header,omitempty" msgpack:"header,omitempty"`
	Error         string            `json:"error,omitempty" msgpack:"error,omitempty"`
	Payload       []byte            `json:"payload,omitempty" msgpack:"payload,omitempty"` // JSON-encoded args or reply

	// Err is set when the call failed in this process (no instance, dial,
	// timeout, cancellation) rather than in the remote method. Never encoded.
	Err error `json:"-" msgpack:"-"`
}

// Failed reports whether the message carries an error.
func (m *RPCMessage) Failed() bool {
	return m != nil && m.Error != ""
}

// ErrorMessage builds a response that only carries err.
func ErrorMessage(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error()}
}

// LocalError builds a response for a call that failed before or without a
// reply from the remote side.
func LocalError(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error(), Err: err}
}

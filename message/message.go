// Package message defines the RPC envelope exchanged between client and server.
//
// An RPCMessage is serialized by the codec layer and carried as the payload of
// one frame; the frame identifier, not the envelope, pairs a response with its
// request.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string // Non-empty if the call failed on the server or in transit
	Payload       []byte // Serialized args (request) or reply (response) as JSON bytes
}

// Errorf builds a response that reports err for serviceMethod.
func Errorf(serviceMethod string, err error) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: err.Error()}
}

// Failed reports whether the message carries an error.
func (m *RPCMessage) Failed() bool {
	return m.Error != ""
}

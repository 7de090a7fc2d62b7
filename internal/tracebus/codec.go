package tracebus

import "github.com/vmihailenco/msgpack/v5"

// EncodeFrame serializes a frame as msgpack over a byte-oriented
// transport — here a WebSocket connection.
func EncodeFrame(f Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame is the inverse of EncodeFrame, used for inbound frames
// such as the client's "ping".
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(b, &f)
	return f, err
}

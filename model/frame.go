package model

import "context"

// Frame is one unit of the streaming protocol: *MessageFrame or *ErrorFrame.
type Frame interface {
	frame()
}

// MessageFrame carries one produced value. Type is the optional, normalized
// type tag ("#local" or a fully qualified "nsid#name").
type MessageFrame struct {
	Type string
	Body any
}

// ErrorFrame is the terminal frame of a failed stream.
type ErrorFrame struct {
	Error   string
	Message string
}

func (*MessageFrame) frame() {}
func (*ErrorFrame) frame()   {}

// Producer is the cooperative source behind a subscription. Next blocks until
// a value is available and returns io.EOF when the stream ends normally.
// Values may be Frames (forwarded unchanged), maps carrying a "$type" tag, or
// any other JSON-encodable value. Close cancels the producer and releases its
// resources; it is called exactly once by the engine.
type Producer interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

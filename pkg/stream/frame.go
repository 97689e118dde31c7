// Package stream carries chat output to clients: SSE for HTTP responses,
// a Redis pub/sub relay for async jobs, and a WebSocket session wrapper.
// All three speak the same frame schema.
package stream

import "fmt"

// Frame is one unit of streamed output.
type Frame struct {
	Type    string `json:"type"` // "content", "done" or "error"
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	FrameContent = "content"
	FrameDone    = "done"
	FrameError   = "error"
)

func ContentFrame(text string) Frame { return Frame{Type: FrameContent, Content: text} }
func DoneFrame() Frame               { return Frame{Type: FrameDone} }
func ErrorFrame(err error) Frame     { return Frame{Type: FrameError, Error: err.Error()} }

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameDone || f.Type == FrameError
}

// ChannelName builds the pub/sub channel for one pending assistant message.
func ChannelName(threadID, messageID string) string {
	return fmt.Sprintf("stream:%s:%s", threadID, messageID)
}

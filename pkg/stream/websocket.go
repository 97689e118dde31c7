package stream

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSRequest is an inbound frame: either an auth handshake (Type "auth" with
// Token set) or a chat message.
type WSRequest struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

// WSSession wraps one WebSocket connection with the frame schema. Reads and
// writes must each stay on a single goroutine.
type WSSession struct {
	conn *websocket.Conn
}

func NewWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn}
}

// ReadRequest blocks for the next chat request.
func (s *WSSession) ReadRequest() (*WSRequest, error) {
	var req WSRequest
	if err := s.conn.ReadJSON(&req); err != nil {
		return nil, fmt.Errorf("reading websocket request: %w", err)
	}
	return &req, nil
}

// Send writes one frame with a per-write deadline so one stalled client
// cannot pin the producing goroutine.
func (s *WSSession) Send(frame Frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing websocket frame: %w", err)
	}
	return nil
}

// SendJSON writes an arbitrary JSON payload, used for handshake replies that
// fall outside the frame schema.
func (s *WSSession) SendJSON(v any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing websocket payload: %w", err)
	}
	return nil
}

// Close sends a normal closure and shuts the connection.
func (s *WSSession) Close() error {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

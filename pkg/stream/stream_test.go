package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "stream:t1:m1", ChannelName("t1", "m1"))
}

func TestFrameTerminal(t *testing.T) {
	assert.False(t, ContentFrame("hi").Terminal())
	assert.True(t, DoneFrame().Terminal())
	assert.True(t, ErrorFrame(errors.New("boom")).Terminal())
}

func TestSSEWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sse.Send(ContentFrame("hello")))
	require.NoError(t, sse.Send(DoneFrame()))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"type":"content","content":"hello"}`+"\n\n")
	assert.Contains(t, body, `data: {"type":"done"}`+"\n\n")
	assert.True(t, rec.Flushed)
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestSSEWriterRequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	require.Error(t, err)
}

func TestWSSessionRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := NewWSSession(conn)
		defer session.Close()

		req, err := session.ReadRequest()
		require.NoError(t, err)
		assert.Equal(t, "hello", req.Message)

		require.NoError(t, session.Send(ContentFrame("hi there")))
		require.NoError(t, session.Send(DoneFrame()))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSRequest{Message: "hello"}))

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameContent, frame.Type)
	assert.Equal(t, "hi there", frame.Content)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, FrameDone, frame.Type)
	<-done
}

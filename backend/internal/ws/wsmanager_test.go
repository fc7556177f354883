package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/cache"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
)

// wire 是所有出站消息字段的并集，测试里统一解码
type wire struct {
	Type            string                 `json:"type"`
	DocID           string                 `json:"docId"`
	SessionID       string                 `json:"sessionId"`
	ServerSeq       uint64                 `json:"serverSeq"`
	Content         string                 `json:"content"`
	Code            string                 `json:"code"`
	ClientSeq       uint64                 `json:"clientSeq"`
	Resync          bool                   `json:"resync"`
	Kind            delta.Kind             `json:"kind"`
	Position        int                    `json:"position"`
	Text            string                 `json:"text"`
	Count           int                    `json:"count"`
	OriginSessionID string                 `json:"originSessionId"`
	Conflicts       int                    `json:"conflicts"`
	Members         []cache.PresenceMember `json:"members"`
}

type server struct {
	coord *collab.Coordinator
	url   string
}

func newServer(t *testing.T, initial string) *server {
	t.Helper()
	snaps := store.NewMemorySnapshotStore()
	if initial != "" {
		require.NoError(t, snaps.Save(context.Background(), store.NewSnapshot("doc", 0, initial, store.SnapshotCommitted)))
	}
	coord := collab.NewCoordinator(oplog.NewMemoryLog(), snaps, nil, nil, collab.Options{}, zerolog.Nop())
	mgr := NewManager(NewHub(cache.NewLocalPresence()), coord, collab.NewSemaphoreControl(8), zerolog.Nop())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/collab/ws", mgr.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{coord: coord, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"}
}

func (s *server) dial(t *testing.T, sessionID string) (*websocket.Conn, wire) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?docId=doc&sessionId="+sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, read(t, conn)
}

func read(t *testing.T, conn *websocket.Conn) wire {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var m wire
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readType 跳过在线状态等无关消息
func readType(t *testing.T, conn *websocket.Conn, typ string) wire {
	t.Helper()
	for {
		m := read(t, conn)
		if m.Type == typ {
			return m
		}
		if m.Type == TypeError && typ != TypeError {
			t.Fatalf("unexpected error while waiting for %s: %+v", typ, m)
		}
	}
}

func submit(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	msg.Type = TypeOpSubmit
	require.NoError(t, conn.WriteJSON(msg))
}

func applyLocal(content string, m wire) string {
	runes := []rune(content)
	switch m.Kind {
	case delta.KindInsert:
		return string(runes[:m.Position]) + m.Text + string(runes[m.Position:])
	case delta.KindDelete:
		return string(runes[:m.Position]) + string(runes[m.Position+m.Count:])
	}
	return content
}

func TestWebSocket_TwoClientsConverge(t *testing.T) {
	s := newServer(t, "ab")
	a, welcomeA := s.dial(t, "A")
	assert.Equal(t, TypeWelcome, welcomeA.Type)
	assert.Equal(t, "ab", welcomeA.Content)
	b, welcomeB := s.dial(t, "B")
	assert.Equal(t, "B", welcomeB.SessionID)

	submit(t, a, ClientMessage{ClientSeq: 1, BaseSequence: 0, Kind: delta.KindInsert, Position: 1, Text: "X"})
	ackA := readType(t, a, TypeOpApplied)
	assert.Equal(t, uint64(1), ackA.ServerSeq)
	assert.Equal(t, uint64(1), ackA.ClientSeq)

	fromA := readType(t, b, TypeOpBroadcast)
	assert.Equal(t, "A", fromA.OriginSessionID)
	assert.Equal(t, uint64(1), fromA.ServerSeq)

	// B 没看到 A 的操作，基于 0 提交
	submit(t, b, ClientMessage{ClientSeq: 1, BaseSequence: 0, Kind: delta.KindInsert, Position: 1, Text: "Y"})
	ackB := readType(t, b, TypeOpApplied)
	assert.Equal(t, uint64(2), ackB.ServerSeq)
	fromB := readType(t, a, TypeOpBroadcast)
	assert.Equal(t, "B", fromB.OriginSessionID)

	localA := applyLocal(applyLocal("ab", ackA), fromB)
	localB := applyLocal(applyLocal("ab", fromA), ackB)
	cur, err := s.coord.Content(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, cur.Content, localA)
	assert.Equal(t, cur.Content, localB)
	assert.Equal(t, uint64(2), cur.ServerSeq)
}

func TestWebSocket_InvalidOperationAsksForResync(t *testing.T) {
	s := newServer(t, "ab")
	a, _ := s.dial(t, "A")

	submit(t, a, ClientMessage{ClientSeq: 1, Kind: delta.KindDelete, Position: 1, Count: 10})
	e := readType(t, a, TypeError)
	assert.Equal(t, "INVALID_OPERATION", e.Code)
	assert.Equal(t, uint64(1), e.ClientSeq)
	assert.True(t, e.Resync)
}

func TestWebSocket_CatchUp(t *testing.T) {
	s := newServer(t, "")
	a, _ := s.dial(t, "A")
	for i, text := range []string{"x", "y", "z"} {
		submit(t, a, ClientMessage{ClientSeq: uint64(i + 1), BaseSequence: uint64(i), Kind: delta.KindInsert, Position: i, Text: text})
		readType(t, a, TypeOpApplied)
	}

	// 重连后用同一个 sessionId 从 1 开始追赶
	require.NoError(t, a.Close())
	b, welcome := s.dial(t, "A")
	assert.Equal(t, uint64(3), welcome.ServerSeq)
	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeCatchUp, Since: 1}))

	var got []string
	for {
		m := read(t, b)
		if m.Type == TypeCatchUpDone {
			assert.Equal(t, uint64(3), m.ServerSeq)
			break
		}
		if m.Type == TypeOpBroadcast {
			got = append(got, m.Text)
		}
	}
	assert.Equal(t, []string{"y", "z"}, got)

	// 已定序的 clientSeq 重发不会产生新操作
	submit(t, b, ClientMessage{ClientSeq: 3, BaseSequence: 2, Kind: delta.KindInsert, Position: 2, Text: "z"})
	dup := readType(t, b, TypeOpApplied)
	assert.Equal(t, uint64(3), dup.ServerSeq)
}

func TestWebSocket_HeartbeatAndCursor(t *testing.T) {
	s := newServer(t, "hello")
	a, _ := s.dial(t, "A")
	b, _ := s.dial(t, "B")

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeHeartbeat}))
	p := readType(t, a, TypeFeedback)
	assert.Equal(t, "Heartbeat received", p.Content)

	submit(t, b, ClientMessage{ClientSeq: 1, Kind: delta.KindInsert, Position: 0, Text: ">>"})
	readType(t, b, TypeOpApplied)

	// A 的光标基于 0 号版本，服务端把它变换到当前版本
	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeCursor, Position: 5, BaseSequence: 0}))
	cursor := readType(t, b, TypeCursor)
	assert.Equal(t, "A", cursor.SessionID)
	assert.Equal(t, 7, cursor.Position)
}

func TestWebSocket_JoinRejectedWhileReconciling(t *testing.T) {
	s := newServer(t, "foo")
	_, err := s.coord.BeginReconcile(context.Background(), "doc")
	require.NoError(t, err)

	_, welcome := s.dial(t, "A")
	assert.Equal(t, TypeError, welcome.Type)
	assert.Equal(t, "DOCUMENT_LOCKED", welcome.Code)
}

func TestWebSocket_MissingDocID(t *testing.T) {
	s := newServer(t, "")
	resp, err := http.Get("http" + strings.TrimPrefix(strings.TrimSuffix(s.url, "/collab/ws"), "ws") + "/collab/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

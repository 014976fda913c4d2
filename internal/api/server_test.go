package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eugeniagram/eugeniagram/internal/auth"
	"github.com/eugeniagram/eugeniagram/internal/common/logger"
	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store"
	"github.com/eugeniagram/eugeniagram/internal/store/realtime"
)

// fakeAuth accepts tokens of the form "token-<user id>"
type fakeAuth struct{}

func (fakeAuth) Signup(ctx context.Context, req *auth.SignupRequest) (*auth.AuthResponse, error) {
	return nil, errors.New("not implemented")
}
func (fakeAuth) Signin(ctx context.Context, req *auth.SigninRequest) (*auth.AuthResponse, error) {
	return nil, errors.New("not implemented")
}
func (fakeAuth) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	if !strings.HasPrefix(token, "token-") {
		return nil, auth.ErrInvalidToken
	}
	return &utils.JWTClaims{UserID: strings.TrimPrefix(token, "token-"), Type: "access"}, nil
}
func (fakeAuth) Logout(ctx context.Context, token string) error                   { return nil }
func (fakeAuth) UpdatePassword(ctx context.Context, userID, password string) error { return nil }
func (fakeAuth) InitiatePasswordReset(ctx context.Context, email string) error     { return nil }
func (fakeAuth) VerifyRecovery(ctx context.Context, token string) (*auth.AuthResponse, error) {
	return nil, auth.ErrInvalidToken
}
func (fakeAuth) GetUserByID(ctx context.Context, userID string) (*auth.User, error) {
	return &auth.User{ID: userID}, nil
}

type call struct {
	table   string
	query   store.Query
	rows    []store.Row
	values  store.Row
	filters []store.Filter
}

// fakeBackend records calls and serves canned rows
type fakeBackend struct {
	mu      sync.Mutex
	calls   []call
	rows    []store.Row
	members map[string][]string
	rpcErr  error
}

func (b *fakeBackend) record(c call) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
}

func (b *fakeBackend) last() call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[len(b.calls)-1]
}

func (b *fakeBackend) Select(ctx context.Context, table string, q store.Query, dest any) error {
	b.record(call{table: table, query: q})
	return store.DecodeRows(b.rows, dest)
}

func (b *fakeBackend) Insert(ctx context.Context, table string, values any, dest any) error {
	rows, err := store.ToRows(values)
	if err != nil {
		return err
	}
	b.record(call{table: table, rows: rows})
	return store.DecodeRows(rows, dest)
}

func (b *fakeBackend) Update(ctx context.Context, table string, values store.Row, filters []store.Filter, dest any) error {
	b.record(call{table: table, values: values, filters: filters})
	return store.DecodeRows([]store.Row{values}, dest)
}

func (b *fakeBackend) Delete(ctx context.Context, table string, filters []store.Filter) error {
	b.record(call{table: table, filters: filters})
	return nil
}

func (b *fakeBackend) RPC(ctx context.Context, name string, params any, dest any) error {
	if b.rpcErr != nil {
		return b.rpcErr
	}
	if name != store.ProcCheckExistingConversation {
		return store.ErrUnknownProcedure
	}
	return store.Decode("conv-1", dest)
}

func (b *fakeBackend) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	for _, m := range b.members[conversationID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

type memStorage struct{}

func (memStorage) Upload(ctx context.Context, bucket, path string, body io.Reader, contentType string) (string, error) {
	io.Copy(io.Discard, body)
	return "http://files/" + bucket + "/" + path, nil
}

type testServer struct {
	*httptest.Server
	backend *fakeBackend
	broker  *realtime.LocalBroker
	api     *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend := &fakeBackend{members: map[string][]string{"conv-1": {"alice", "bob"}}}
	broker := realtime.NewLocalBroker(logger.Discard())
	srv := NewServer(Deps{
		Backend:             backend,
		Storage:             memStorage{},
		Realtime:            broker,
		AuthService:         fakeAuth{},
		WSMessagesPerSecond: 50,
		Log:                 logger.Discard(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		broker.Close()
	})
	return &testServer{Server: ts, backend: backend, broker: broker, api: srv}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) (int, utils.Response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, ts.URL+path, reader)
	if user != "" {
		req.Header.Set("Authorization", "Bearer token-"+user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var envelope utils.Response
	json.NewDecoder(resp.Body).Decode(&envelope)
	return resp.StatusCode, envelope
}

func TestSelectParsesQueryAnonymously(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.rows = []store.Row{{"id": "p1"}}

	status, resp := ts.do(t, "GET", "/rest/v1/posts?user_id=eq.alice&order=created_at.desc&limit=5", "", nil)
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status %d, resp %+v", status, resp)
	}
	q := ts.backend.last().query
	if len(q.Filters) != 1 || q.Filters[0].Column != "user_id" || q.Filters[0].Value != "alice" {
		t.Fatalf("unexpected filters %+v", q.Filters)
	}
	if q.Limit != 5 || len(q.Order) != 1 || !q.Order[0].Desc {
		t.Fatalf("unexpected query %+v", q)
	}
}

func TestMessagesRequireParticipant(t *testing.T) {
	ts := newTestServer(t)

	if status, resp := ts.do(t, "GET", "/rest/v1/messages?conversation_id=eq.conv-1", "", nil); status != http.StatusUnauthorized || resp.Code != "unauthorized" {
		t.Fatalf("anonymous read: status %d code %q", status, resp.Code)
	}
	if status, resp := ts.do(t, "GET", "/rest/v1/messages?conversation_id=eq.conv-1", "mallory", nil); status != http.StatusForbidden || resp.Code != "forbidden" {
		t.Fatalf("outsider read: status %d code %q", status, resp.Code)
	}
	if status, _ := ts.do(t, "GET", "/rest/v1/messages", "alice", nil); status != http.StatusForbidden {
		t.Fatalf("unscoped read should be forbidden, got %d", status)
	}
	if status, _ := ts.do(t, "GET", "/rest/v1/messages?conversation_id=eq.conv-1", "alice", nil); status != http.StatusOK {
		t.Fatalf("participant read: status %d", status)
	}
}

func TestInsertFillsAndChecksOwner(t *testing.T) {
	ts := newTestServer(t)

	status, resp := ts.do(t, "POST", "/rest/v1/comments", "alice", map[string]interface{}{"post_id": "p1", "content": "hi"})
	if status != http.StatusCreated {
		t.Fatalf("status %d, resp %+v", status, resp)
	}
	if got := ts.backend.last().rows[0]["user_id"]; got != "alice" {
		t.Fatalf("owner not filled, got %v", got)
	}

	status, resp = ts.do(t, "POST", "/rest/v1/comments", "alice", map[string]interface{}{"post_id": "p1", "user_id": "bob"})
	if status != http.StatusForbidden || resp.Code != "forbidden" {
		t.Fatalf("impersonation: status %d code %q", status, resp.Code)
	}

	if status, _ := ts.do(t, "POST", "/rest/v1/comments", "", map[string]interface{}{"post_id": "p1"}); status != http.StatusUnauthorized {
		t.Fatalf("anonymous insert: status %d", status)
	}

	if status, _ := ts.do(t, "POST", "/rest/v1/messages", "mallory", map[string]interface{}{"conversation_id": "conv-1", "content": "x"}); status != http.StatusForbidden {
		t.Fatalf("outsider message: status %d", status)
	}
}

func TestUpdateAndDeleteScopedToOwner(t *testing.T) {
	ts := newTestServer(t)

	if status, _ := ts.do(t, "PATCH", "/rest/v1/posts?id=eq.p1", "alice", map[string]interface{}{"caption": "new"}); status != http.StatusOK {
		t.Fatalf("update status %d", status)
	}
	filters := ts.backend.last().filters
	if len(filters) != 2 || filters[1].Column != "user_id" || filters[1].Value != "alice" {
		t.Fatalf("owner filter missing: %+v", filters)
	}

	if status, _ := ts.do(t, "DELETE", "/rest/v1/stories?id=eq.s1", "alice", nil); status != http.StatusOK {
		t.Fatalf("delete status %d", status)
	}
	filters = ts.backend.last().filters
	if len(filters) != 2 || filters[1].Column != "user_id" {
		t.Fatalf("owner filter missing: %+v", filters)
	}

	if status, _ := ts.do(t, "PATCH", "/rest/v1/conversations?id=eq.conv-1", "alice", map[string]interface{}{"participant_key": "x"}); status != http.StatusForbidden {
		t.Fatalf("conversation key change: status %d", status)
	}
	if status, _ := ts.do(t, "PATCH", "/rest/v1/conversations?id=eq.conv-1", "alice", map[string]interface{}{"updated_at": time.Now()}); status != http.StatusOK {
		t.Fatalf("conversation touch: status %d", status)
	}
}

func TestRPC(t *testing.T) {
	ts := newTestServer(t)

	if status, _ := ts.do(t, "POST", "/rest/v1/rpc/check_existing_conversation", "", map[string]string{"other_user_id": "bob"}); status != http.StatusUnauthorized {
		t.Fatalf("anonymous rpc: status %d", status)
	}

	status, resp := ts.do(t, "POST", "/rest/v1/rpc/check_existing_conversation", "alice", map[string]string{"other_user_id": "bob"})
	if status != http.StatusOK || resp.Data != "conv-1" {
		t.Fatalf("status %d, data %v", status, resp.Data)
	}

	status, resp = ts.do(t, "POST", "/rest/v1/rpc/drop_tables", "alice", nil)
	if status != http.StatusNotFound || resp.Code != "unknown_procedure" {
		t.Fatalf("unknown rpc: status %d code %q", status, resp.Code)
	}

	ts.backend.rpcErr = fmt.Errorf("boom")
	status, resp = ts.do(t, "POST", "/rest/v1/rpc/check_existing_conversation", "alice", nil)
	if status != http.StatusInternalServerError || resp.Error != "Internal server error" || resp.Code != "internal" {
		t.Fatalf("internal error leaked: status %d resp %+v", status, resp)
	}
}

func TestUploadLimitedToCallerFolder(t *testing.T) {
	ts := newTestServer(t)

	upload := func(user, path string) (int, utils.Response) {
		req, _ := http.NewRequest("POST", ts.URL+"/storage/v1/object/posts/"+path, strings.NewReader("jpeg"))
		req.Header.Set("Content-Type", "image/jpeg")
		if user != "" {
			req.Header.Set("Authorization", "Bearer token-"+user)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var envelope utils.Response
		json.NewDecoder(resp.Body).Decode(&envelope)
		return resp.StatusCode, envelope
	}

	if status, _ := upload("", "alice/a.jpg"); status != http.StatusUnauthorized {
		t.Fatalf("anonymous upload: status %d", status)
	}
	if status, _ := upload("alice", "bob/a.jpg"); status != http.StatusForbidden {
		t.Fatalf("foreign folder: status %d", status)
	}
	status, resp := upload("alice", "alice/a.jpg")
	if status != http.StatusCreated {
		t.Fatalf("status %d", status)
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["url"] != "http://files/posts/alice/a.jpg" {
		t.Fatalf("unexpected url %v", resp.Data)
	}
}

func dialRealtime(t *testing.T, ts *testServer, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket?token=token-" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) store.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame store.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestRealtimeDeliversMatchingInserts(t *testing.T) {
	ts := newTestServer(t)
	conn := dialRealtime(t, ts, "alice")

	conn.WriteJSON(store.Frame{
		Type:    store.FrameSubscribe,
		Ref:     "r1",
		Channel: "messages:conv-1",
		Filter:  &store.EventFilter{Event: store.EventInsert, Table: store.TableMessages, Filter: "conversation_id=eq.conv-1"},
	})
	if frame := readFrame(t, conn); frame.Type != store.FrameSubscribed || frame.Ref != "r1" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	ts.broker.Publish(context.Background(), store.Event{Type: store.EventInsert, Table: store.TableMessages, Record: store.Row{"id": "m0", "conversation_id": "conv-2"}})
	ts.broker.Publish(context.Background(), store.Event{Type: store.EventInsert, Table: store.TableMessages, Record: store.Row{"id": "m1", "conversation_id": "conv-1"}})

	frame := readFrame(t, conn)
	if frame.Type != store.FrameEvent || frame.Ref != "r1" || frame.Event == nil || frame.Event.Record["id"] != "m1" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	conn.WriteJSON(store.Frame{Type: store.FrameUnsubscribe, Ref: "r1"})
	if frame := readFrame(t, conn); frame.Type != store.FrameUnsubscribed {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if n := ts.broker.Subscriptions(); n != 0 {
		t.Fatalf("subscriptions left: %d", n)
	}
}

func TestRealtimeRejectsOutsiders(t *testing.T) {
	ts := newTestServer(t)
	conn := dialRealtime(t, ts, "mallory")

	conn.WriteJSON(store.Frame{
		Type:   store.FrameSubscribe,
		Ref:    "r1",
		Filter: &store.EventFilter{Event: store.EventInsert, Table: store.TableMessages, Filter: "conversation_id=eq.conv-1"},
	})
	frame := readFrame(t, conn)
	if frame.Type != store.FrameError || frame.Code != "forbidden" {
		t.Fatalf("unexpected frame %+v", frame)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if frame := readFrame(t, conn); frame.Type != store.FrameError || frame.Code != "invalid_input" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestRealtimeRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime/v1/websocket"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHealthReportsConnections(t *testing.T) {
	ts := newTestServer(t)
	dialRealtime(t, ts, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for ts.api.hub.Connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, resp := ts.do(t, "GET", "/health", "", nil)
	data, _ := resp.Data.(map[string]interface{})
	if status != http.StatusOK || data["connections"] != float64(1) {
		t.Fatalf("status %d data %v", status, resp.Data)
	}
}

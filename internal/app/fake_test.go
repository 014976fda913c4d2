package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eugeniagram/eugeniagram/internal/common/logger"
	"github.com/eugeniagram/eugeniagram/internal/store"
)

// gate pauses the next call of one operation until release is closed
type gate struct {
	entered chan struct{}
	release chan struct{}
}

type fakeUser struct {
	id       string
	password string
}

type fakeSub struct {
	fs      *fakeStore
	id      int
	filter  store.EventFilter
	handler func(store.Event)
}

func (s *fakeSub) Unsubscribe() error {
	s.fs.mu.Lock()
	delete(s.fs.subs, s.id)
	s.fs.mu.Unlock()
	return nil
}

type rpcHandler func(caller string, params map[string]string) (any, error)

// fakeStore is an in-memory store.Client with the relations the app embeds
type fakeStore struct {
	mu        sync.Mutex
	tables    map[string][]store.Row
	seq       int
	base      time.Time
	users     map[string]fakeUser
	session   *store.Session
	listeners map[int]store.AuthListener
	nextID    int
	subs      map[int]*fakeSub
	rpcs      map[string]rpcHandler
	failures  map[string]error
	gates     map[string]*gate
	calls     map[string]int

	// deferEvents holds realtime events until flushEvents
	deferEvents bool
	pending     []store.Event
	// sessionGate blocks Session until closed
	sessionGate chan struct{}
}

var _ store.Client = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	fs := &fakeStore{
		tables:    make(map[string][]store.Row),
		base:      time.Now().UTC().Add(-time.Hour),
		users:     make(map[string]fakeUser),
		listeners: make(map[int]store.AuthListener),
		subs:      make(map[int]*fakeSub),
		failures:  make(map[string]error),
		gates:     make(map[string]*gate),
		calls:     make(map[string]int),
	}
	fs.rpcs = map[string]rpcHandler{
		store.ProcCheckExistingConversation: fs.checkExisting,
		store.ProcCreateConversation:        fs.createConversation,
		store.ProcListUserConversations:     fs.listConversations,
		store.ProcResolveOtherParticipant:   fs.resolveOther,
		store.ProcSendEmailNotification: func(string, map[string]string) (any, error) {
			return map[string]any{"sent": true}, nil
		},
	}
	return fs
}

func opKey(op, name string) string { return op + ":" + name }

func (fs *fakeStore) fail(op, name string, err error) {
	fs.mu.Lock()
	fs.failures[opKey(op, name)] = err
	fs.mu.Unlock()
}

func (fs *fakeStore) hold(op, name string) *gate {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	fs.mu.Lock()
	fs.gates[opKey(op, name)] = g
	fs.mu.Unlock()
	return g
}

func (fs *fakeStore) callCount(op, name string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.calls[opKey(op, name)]
}

func (fs *fakeStore) before(op, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.calls[opKey(op, name)]++
	return fs.failures[opKey(op, name)]
}

func (fs *fakeStore) wait(op, name string) {
	fs.mu.Lock()
	g := fs.gates[opKey(op, name)]
	delete(fs.gates, opKey(op, name))
	fs.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}
}

// tick is a strictly increasing timestamp. Callers hold fs.mu.
func (fs *fakeStore) tick() string {
	fs.seq++
	return fs.base.Add(time.Duration(fs.seq) * time.Millisecond).Format(time.RFC3339Nano)
}

// add stores row with generated id and created_at. Callers hold fs.mu.
func (fs *fakeStore) add(table string, row store.Row) store.Row {
	if row["id"] == nil {
		fs.seq++
		row["id"] = fmt.Sprintf("%s-%d", table, fs.seq)
	}
	if row["created_at"] == nil {
		row["created_at"] = fs.tick()
	}
	fs.tables[table] = append(fs.tables[table], row)
	return copyRow(row)
}

// seed inserts rows directly, without failures, gates or events
func (fs *fakeStore) seed(table string, values any) []store.Row {
	rows, err := store.ToRows(values)
	if err != nil {
		panic(err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, fs.add(table, r))
	}
	return out
}

func (fs *fakeStore) rows(table string, filters ...store.Filter) []store.Row {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []store.Row
	for _, r := range fs.tables[table] {
		if matchAll(r, filters) {
			out = append(out, copyRow(r))
		}
	}
	return out
}

func (fs *fakeStore) addUser(id, email, password, username string) {
	fs.mu.Lock()
	fs.users[email] = fakeUser{id: id, password: password}
	fs.mu.Unlock()
	fs.seed(store.TableProfiles, store.Row{"id": id, "username": username, "full_name": strings.ToUpper(username[:1]) + username[1:]})
}

func (fs *fakeStore) subscriptionCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.subs)
}

func (fs *fakeStore) flushEvents() {
	fs.mu.Lock()
	events := fs.pending
	fs.pending = nil
	fs.mu.Unlock()
	fs.publish(events)
}

func (fs *fakeStore) publish(events []store.Event) {
	for _, ev := range events {
		fs.mu.Lock()
		var handlers []func(store.Event)
		for _, s := range fs.subs {
			if s.filter.Matches(ev) {
				handlers = append(handlers, s.handler)
			}
		}
		fs.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func copyRow(r store.Row) store.Row {
	out := make(store.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func compareValues(x, y any) int {
	sx, sy := fmt.Sprint(x), fmt.Sprint(y)
	tx, errX := time.Parse(time.RFC3339Nano, sx)
	ty, errY := time.Parse(time.RFC3339Nano, sy)
	if errX == nil && errY == nil {
		return tx.Compare(ty)
	}
	return strings.Compare(sx, sy)
}

func rowMatches(r store.Row, f store.Filter) bool {
	v, ok := r[f.Column]
	present := ok && v != nil
	switch f.Op {
	case store.OpEq:
		return present && fmt.Sprint(v) == fmt.Sprint(f.Value)
	case store.OpNeq:
		return !present || fmt.Sprint(v) != fmt.Sprint(f.Value)
	case store.OpLt:
		return present && compareValues(v, f.Value) < 0
	case store.OpIn:
		if !present {
			return false
		}
		for _, want := range f.Value.([]string) {
			if fmt.Sprint(v) == want {
				return true
			}
		}
		return false
	case store.OpILike:
		needle := strings.ToLower(strings.Trim(fmt.Sprint(f.Value), "%"))
		return present && strings.Contains(strings.ToLower(fmt.Sprint(v)), needle)
	default:
		panic("fake store does not support " + string(f.Op))
	}
}

func matchAll(r store.Row, filters []store.Filter) bool {
	for _, f := range filters {
		if !rowMatches(r, f) {
			return false
		}
	}
	return true
}

// embed resolves profiles as the row's owner and join tables as rows pointing at it.
// Callers hold fs.mu.
func (fs *fakeStore) embed(table string, row store.Row, e store.Embed) any {
	if e.Table == store.TableProfiles {
		fk := "user_id"
		if table == store.TableMessages {
			fk = "sender_id"
		}
		for _, p := range fs.tables[store.TableProfiles] {
			if fmt.Sprint(p["id"]) == fmt.Sprint(row[fk]) {
				return copyRow(p)
			}
		}
		return nil
	}
	fk := "post_id"
	if table == store.TableReels {
		fk = "reel_id"
	}
	related := []store.Row{}
	for _, r := range fs.tables[e.Table] {
		if r[fk] != nil && fmt.Sprint(r[fk]) == fmt.Sprint(row["id"]) {
			related = append(related, copyRow(r))
		}
	}
	return related
}

func (fs *fakeStore) Select(ctx context.Context, table string, q store.Query, dest any) error {
	if err := fs.before("select", table); err != nil {
		return err
	}
	fs.mu.Lock()
	var out []store.Row
	for _, r := range fs.tables[table] {
		if !matchAll(r, q.Filters) {
			continue
		}
		row := copyRow(r)
		for _, e := range q.Embeds {
			row[e.Key()] = fs.embed(table, r, e)
		}
		out = append(out, row)
	}
	fs.mu.Unlock()

	for i := len(q.Order) - 1; i >= 0; i-- {
		o := q.Order[i]
		sort.SliceStable(out, func(x, y int) bool {
			c := compareValues(out[x][o.Column], out[y][o.Column])
			if o.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	fs.wait("select", table)
	return store.DecodeRows(out, dest)
}

var uniqueKeys = map[string][]string{
	store.TableLikes:      {"user_id", "post_id", "reel_id"},
	store.TableSavedPosts: {"user_id", "post_id", "reel_id"},
	store.TableFollows:    {"follower_id", "following_id"},
}

func uniqueKey(table string, r store.Row) (string, bool) {
	cols, ok := uniqueKeys[table]
	if !ok {
		return "", false
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(r[c])
	}
	return strings.Join(parts, "|"), true
}

func (fs *fakeStore) Insert(ctx context.Context, table string, values any, dest any) error {
	if err := fs.before("insert", table); err != nil {
		return err
	}
	rows, err := store.ToRows(values)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	for _, r := range rows {
		key, ok := uniqueKey(table, r)
		if !ok {
			continue
		}
		for _, existing := range fs.tables[table] {
			if k, _ := uniqueKey(table, existing); k == key {
				fs.mu.Unlock()
				return &store.Error{Op: "POST /rest/v1/" + table, Code: "conflict", Err: store.ErrConflict}
			}
		}
	}
	out := make([]store.Row, 0, len(rows))
	var events []store.Event
	for _, r := range rows {
		if table == store.TableStories {
			// the server owns story timestamps
			r["created_at"] = fs.tick()
			ts, _ := time.Parse(time.RFC3339Nano, r["created_at"].(string))
			r["expires_at"] = ts.Add(StoryLifetime).Format(time.RFC3339Nano)
		}
		created := fs.add(table, r)
		out = append(out, created)
		if table == store.TableMessages {
			events = append(events, store.Event{Type: store.EventInsert, Table: table, Record: copyRow(created), Timestamp: time.Now()})
		}
	}
	deferred := fs.deferEvents
	if deferred {
		fs.pending = append(fs.pending, events...)
	}
	fs.mu.Unlock()

	if !deferred {
		fs.publish(events)
	}
	fs.wait("insert", table)
	return store.DecodeRows(out, dest)
}

func (fs *fakeStore) Update(ctx context.Context, table string, values store.Row, filters []store.Filter, dest any) error {
	if err := fs.before("update", table); err != nil {
		return err
	}
	rows, err := store.ToRows(values)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	var out []store.Row
	for _, r := range fs.tables[table] {
		if !matchAll(r, filters) {
			continue
		}
		for k, v := range rows[0] {
			r[k] = v
		}
		out = append(out, copyRow(r))
	}
	fs.mu.Unlock()
	return store.DecodeRows(out, dest)
}

func (fs *fakeStore) Delete(ctx context.Context, table string, filters []store.Filter) error {
	if err := fs.before("delete", table); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	kept := fs.tables[table][:0:0]
	for _, r := range fs.tables[table] {
		if !matchAll(r, filters) {
			kept = append(kept, r)
		}
	}
	fs.tables[table] = kept
	return nil
}

func (fs *fakeStore) Upload(ctx context.Context, bucket, path string, body io.Reader, contentType string) (string, error) {
	if err := fs.before("upload", bucket); err != nil {
		return "", err
	}
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	return "https://cdn.test/" + bucket + "/" + path, nil
}

func (fs *fakeStore) RPC(ctx context.Context, name string, params any, dest any) error {
	if err := fs.before("rpc", name); err != nil {
		return err
	}
	var p map[string]string
	if err := store.Decode(params, &p); err != nil {
		return err
	}
	fs.mu.Lock()
	h := fs.rpcs[name]
	caller := ""
	if fs.session != nil {
		caller = fs.session.User.ID
	}
	fs.mu.Unlock()
	if h == nil {
		return store.ErrUnknownProcedure
	}

	fs.wait("rpc", name)
	result, err := h(caller, p)
	if err != nil {
		return err
	}
	return store.Decode(result, dest)
}

// participants returns the member ids of every conversation. Callers hold fs.mu.
func (fs *fakeStore) participants() map[string][]string {
	members := make(map[string][]string)
	for _, r := range fs.tables[store.TableConversationParticipants] {
		id := fmt.Sprint(r["conversation_id"])
		members[id] = append(members[id], fmt.Sprint(r["user_id"]))
	}
	return members
}

func hasMember(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}

func (fs *fakeStore) checkExisting(caller string, p map[string]string) (any, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, members := range fs.participants() {
		if len(members) == 2 && hasMember(members, caller) && hasMember(members, p["other_user_id"]) {
			return id, nil
		}
	}
	return nil, nil
}

func (fs *fakeStore) createConversation(caller string, p map[string]string) (any, error) {
	if caller == "" {
		return nil, store.ErrUnauthorized
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	conv := fs.add(store.TableConversations, store.Row{"updated_at": fs.tick()})
	id := conv["id"]
	fs.add(store.TableConversationParticipants, store.Row{"conversation_id": id, "user_id": caller})
	fs.add(store.TableConversationParticipants, store.Row{"conversation_id": id, "user_id": p["other_user_id"]})
	return id, nil
}

func (fs *fakeStore) listConversations(caller string, _ map[string]string) (any, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	members := fs.participants()
	list := []store.Row{}
	for _, c := range fs.tables[store.TableConversations] {
		id := fmt.Sprint(c["id"])
		if !hasMember(members[id], caller) {
			continue
		}
		var parts []store.Row
		for _, m := range members[id] {
			part := store.Row{"user_id": m}
			for _, prof := range fs.tables[store.TableProfiles] {
				if prof["id"] == m {
					part["profile"] = copyRow(prof)
				}
			}
			parts = append(parts, part)
		}
		list = append(list, store.Row{"id": id, "updated_at": c["updated_at"], "participants": parts})
	}
	return list, nil
}

func (fs *fakeStore) resolveOther(caller string, p map[string]string) (any, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.participants()[p["conversation_id"]] {
		if m != caller {
			return m, nil
		}
	}
	return nil, nil
}

func (fs *fakeStore) newSession(id, email string) *store.Session {
	return &store.Session{
		AccessToken: "token-" + id,
		TokenType:   "bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        store.User{ID: id, Email: email},
	}
}

func (fs *fakeStore) startSession(session *store.Session, event store.AuthEvent) *store.Session {
	fs.mu.Lock()
	fs.session = session
	fs.mu.Unlock()
	fs.emit(event, session)
	cp := *session
	return &cp
}

func (fs *fakeStore) emit(event store.AuthEvent, session *store.Session) {
	fs.mu.Lock()
	listeners := make([]store.AuthListener, 0, len(fs.listeners))
	for _, l := range fs.listeners {
		listeners = append(listeners, l)
	}
	fs.mu.Unlock()
	for _, l := range listeners {
		var cp *store.Session
		if session != nil {
			s := *session
			cp = &s
		}
		l(event, cp)
	}
}

func (fs *fakeStore) SignUp(ctx context.Context, email, password string) (*store.Session, error) {
	if err := fs.before("auth", "sign_up"); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	if _, ok := fs.users[email]; ok {
		fs.mu.Unlock()
		return nil, store.ErrConflict
	}
	fs.seq++
	id := fmt.Sprintf("user-%d", fs.seq)
	fs.users[email] = fakeUser{id: id, password: password}
	fs.mu.Unlock()
	return fs.startSession(fs.newSession(id, email), store.EventSignedIn), nil
}

func (fs *fakeStore) SignIn(ctx context.Context, email, password string) (*store.Session, error) {
	if err := fs.before("auth", "sign_in"); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	u, ok := fs.users[email]
	fs.mu.Unlock()
	if !ok || u.password != password {
		return nil, store.ErrUnauthorized
	}
	return fs.startSession(fs.newSession(u.id, email), store.EventSignedIn), nil
}

func (fs *fakeStore) SignOut(ctx context.Context) error {
	if err := fs.before("auth", "sign_out"); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.session = nil
	fs.mu.Unlock()
	fs.emit(store.EventSignedOut, nil)
	return nil
}

func (fs *fakeStore) Session(ctx context.Context) (*store.Session, error) {
	fs.mu.Lock()
	g := fs.sessionGate
	fs.mu.Unlock()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.session == nil {
		return nil, nil
	}
	cp := *fs.session
	return &cp, nil
}

func (fs *fakeStore) UpdatePassword(ctx context.Context, password string) error {
	if err := fs.before("auth", "update_password"); err != nil {
		return err
	}
	fs.mu.Lock()
	session := fs.session
	if session == nil {
		fs.mu.Unlock()
		return store.ErrUnauthorized
	}
	u := fs.users[session.User.Email]
	u.password = password
	fs.users[session.User.Email] = u
	fs.mu.Unlock()
	fs.emit(store.EventUserUpdated, session)
	return nil
}

func (fs *fakeStore) ResetPasswordForEmail(ctx context.Context, email string) error {
	return fs.before("auth", "reset_password")
}

// VerifyRecovery accepts tokens of the form "recovery:<email>"
func (fs *fakeStore) VerifyRecovery(ctx context.Context, token string) (*store.Session, error) {
	if err := fs.before("auth", "verify_recovery"); err != nil {
		return nil, err
	}
	email, ok := strings.CutPrefix(token, "recovery:")
	fs.mu.Lock()
	u, known := fs.users[email]
	fs.mu.Unlock()
	if !ok || !known {
		return nil, store.ErrUnauthorized
	}
	return fs.startSession(fs.newSession(u.id, email), store.EventPasswordRecovery), nil
}

func (fs *fakeStore) OnAuthStateChange(listener store.AuthListener) func() {
	fs.mu.Lock()
	fs.nextID++
	id := fs.nextID
	fs.listeners[id] = listener
	var session *store.Session
	if fs.session != nil {
		s := *fs.session
		session = &s
	}
	fs.mu.Unlock()

	listener(store.EventInitialSession, session)
	return func() {
		fs.mu.Lock()
		delete(fs.listeners, id)
		fs.mu.Unlock()
	}
}

func (fs *fakeStore) Subscribe(ctx context.Context, channel string, filter store.EventFilter, handler func(store.Event)) (store.Subscription, error) {
	if err := fs.before("subscribe", channel); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextID++
	sub := &fakeSub{fs: fs, id: fs.nextID, filter: filter, handler: handler}
	fs.subs[sub.id] = sub
	return sub, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	prompts int
	alerts  []string
}

func (n *fakeNotifier) PromptSignIn() {
	n.mu.Lock()
	n.prompts++
	n.mu.Unlock()
}

func (n *fakeNotifier) Alert(message string) {
	n.mu.Lock()
	n.alerts = append(n.alerts, message)
	n.mu.Unlock()
}

func (n *fakeNotifier) counts() (prompts, alerts int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prompts, len(n.alerts)
}

func testOptions() Options {
	return Options{
		CommentRefreshDelay: 10 * time.Millisecond,
		AuthLoadingTimeout:  50 * time.Millisecond,
		Workers:             4,
	}
}

// newApp builds an App over fs without starting it
func newApp(t *testing.T, fs *fakeStore) (*App, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	a, err := New(fs, n, logger.Discard(), testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a, n
}

// newStartedApp is newApp plus Start, with alice, bob and carol registered
func newStartedApp(t *testing.T) (*App, *fakeStore, *fakeNotifier) {
	t.Helper()
	fs := newFakeStore()
	fs.addUser("alice", "alice@test.dev", "secret1", "alice")
	fs.addUser("bob", "bob@test.dev", "secret1", "bob")
	fs.addUser("carol", "carol@test.dev", "secret1", "carol")
	a, n := newApp(t, fs)
	a.Start(context.Background())
	return a, fs, n
}

func signIn(t *testing.T, a *App, email string) {
	t.Helper()
	if err := a.SignIn(context.Background(), email, "secret1"); err != nil {
		t.Fatalf("SignIn(%s): %v", email, err)
	}
}

package memserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/ratelimit"
	"github.com/maruel/tabsync/internal/schema"
)

func newServer(t *testing.T, opts *Options) *Server {
	t.Helper()
	r := schema.NewRegistry()
	err := r.Register(
		schema.Declaration{
			Name: "Item",
			Columns: []schema.Column{
				{Name: "Id", Type: schema.TypeInt, Primary: true},
				{Name: "Name", Type: schema.TypeString},
				{Name: "Qty", Type: schema.TypeInt},
			},
		},
		schema.Declaration{
			Name: "Line",
			Columns: []schema.Column{
				{Name: "OrderId", Type: schema.TypeInt, Primary: true},
				{Name: "Pos", Type: schema.TypeInt, Primary: true},
				{Name: "Sku", Type: schema.TypeString},
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	s := New(opts)
	for _, name := range []string{"Item", "Line"} {
		sc, err := r.Get(name)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.AddTable(sc); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func put(t *testing.T, s *Server, table string, values map[string]any) int64 {
	t.Helper()
	stamp, err := s.Put(table, values)
	if err != nil {
		t.Fatal(err)
	}
	return stamp
}

func syncOne(t *testing.T, s *Server, table string, cursor int64, enforce bool) *cdc.TableDelta {
	t.Helper()
	resp, err := s.Sync(t.Context(), &cdc.Request{EnforceCDC: enforce, Tables: []cdc.Sync{{Table: table, SyncID: cursor}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SyncStamp != s.Stamp() {
		t.Fatalf("stamp = %d, want %d", resp.SyncStamp, s.Stamp())
	}
	d := resp.Table(table)
	if d == nil {
		t.Fatalf("no delta for %s", table)
	}
	return d
}

func TestSync(t *testing.T) {
	s := newServer(t, nil)
	if err := s.AddTable(&schema.Schema{Name: "Item", Table: "Item"}); err == nil {
		t.Fatal("expected duplicate table error")
	}
	d := syncOne(t, s, "Item", cdc.Never, false)
	if !d.Full || d.Cursor != 0 {
		t.Fatalf("got %+v", d)
	}
	put(t, s, "Item", map[string]any{"Id": 1, "Name": "a", "Qty": 1})
	put(t, s, "Item", map[string]any{"id": "2", "name": "b"})
	if got := put(t, s, "Item", map[string]any{"Id": 1, "Name": "a"}); got != 0 {
		t.Fatalf("unchanged put returned %d", got)
	}
	cursor := put(t, s, "Item", map[string]any{"Id": 1, "Qty": 5})
	if cursor != 3 {
		t.Fatalf("cursor = %d", cursor)
	}
	if _, err := s.Put("Item", map[string]any{"Name": "x"}); err == nil {
		t.Fatal("expected null key error")
	}
	if _, err := s.Put("Item", map[string]any{"Id": 3, "Color": "red"}); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("got %v", err)
	}
	if _, err := s.Put("Nope", map[string]any{"Id": 3}); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("got %v", err)
	}

	d = syncOne(t, s, "Item", 0, false)
	if d.Full {
		t.Fatal("unexpected full refresh")
	}
	if got := d.PrimaryColumns(); !slices.Equal(got, []string{"Id"}) {
		t.Fatalf("primary = %v", got)
	}
	want := []cdc.Fragment{
		{Kind: cdc.Insert, ID: "1", SyncID: 1},
		{Kind: cdc.Insert, ID: "2", SyncID: 2},
		{Kind: cdc.Update, ID: "1", SyncID: 3, Fields: []cdc.Field{{Name: "Qty", Text: "5"}}},
	}
	if len(d.Fragments) != len(want) {
		t.Fatalf("fragments = %+v", d.Fragments)
	}
	for i := range want {
		g := d.Fragments[i]
		if g.Kind != want[i].Kind || g.ID != want[i].ID || g.SyncID != want[i].SyncID || !slices.Equal(g.Fields, want[i].Fields) {
			t.Errorf("fragment %d = %+v, want %+v", i, g, want[i])
		}
	}

	// Caught up.
	d = syncOne(t, s, "Item", 3, false)
	if d.Full || d.Columns != nil || len(d.Fragments) != 0 {
		t.Fatalf("got %+v", d)
	}
	// Ahead of the server.
	if d = syncOne(t, s, "Item", 50, false); !d.Full {
		t.Fatal("expected full refresh")
	}

	ok, err := s.Delete("Item", key.Must("2"))
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if ok, _ := s.Delete("Item", key.Must(int64(2))); ok {
		t.Fatal("deleted twice")
	}
	if _, err := s.Delete("Line", key.Must(int64(1))); !errors.Is(err, key.ErrArity) {
		t.Fatalf("got %v", err)
	}
	d = syncOne(t, s, "Item", 3, false)
	if len(d.Fragments) != 1 || d.Fragments[0].Kind != cdc.Delete || d.Fragments[0].ID != "2" {
		t.Fatalf("got %+v", d.Fragments)
	}
}

func TestSyncCompositeKey(t *testing.T) {
	s := newServer(t, nil)
	put(t, s, "Line", map[string]any{"OrderId": 7, "Pos": 1, "Sku": "x"})
	put(t, s, "Line", map[string]any{"OrderId": 7, "Pos": 1, "Sku": nil})
	d := syncOne(t, s, "Line", 0, false)
	if len(d.Fragments) != 2 {
		t.Fatalf("got %+v", d.Fragments)
	}
	u := d.Fragments[1]
	if u.ID != "" {
		t.Fatalf("composite key fragment has id %q", u.ID)
	}
	want := []cdc.Field{{Name: "OrderId", Text: "7"}, {Name: "Pos", Text: "1"}, {Name: "Sku", Null: true}}
	if !slices.Equal(u.Fields, want) {
		t.Fatalf("fields = %+v", u.Fields)
	}
}

func TestSyncUpdateOfDeletedRow(t *testing.T) {
	s := newServer(t, nil)
	put(t, s, "Item", map[string]any{"Id": 1, "Qty": 1})
	put(t, s, "Item", map[string]any{"Id": 1, "Qty": 2})
	if _, err := s.Delete("Item", key.Must(int64(1))); err != nil {
		t.Fatal(err)
	}
	d := syncOne(t, s, "Item", 1, false)
	if len(d.Fragments) != 1 || d.Fragments[0].Kind != cdc.Delete {
		t.Fatalf("got %+v", d.Fragments)
	}
}

func TestSyncHorizon(t *testing.T) {
	s := newServer(t, &Options{MaxLog: 2})
	for i := range 4 {
		put(t, s, "Item", map[string]any{"Id": i})
	}
	if d := syncOne(t, s, "Item", 1, false); !d.Full || d.Cursor != 4 {
		t.Fatalf("got %+v", d)
	}
	if d := syncOne(t, s, "Item", 2, false); d.Full || len(d.Fragments) != 2 {
		t.Fatalf("got %+v", d)
	}
}

func TestSyncThreshold(t *testing.T) {
	s := newServer(t, &Options{FullThreshold: 1})
	put(t, s, "Item", map[string]any{"Id": 1})
	put(t, s, "Item", map[string]any{"Id": 2})
	put(t, s, "Line", map[string]any{"OrderId": 1, "Pos": 1})
	if d := syncOne(t, s, "Item", 0, false); !d.Full {
		t.Fatalf("got %+v", d)
	}
	if d := syncOne(t, s, "Item", 0, true); d.Full || len(d.Fragments) != 2 {
		t.Fatalf("got %+v", d)
	}
	// Other tables' changes do not count.
	if d := syncOne(t, s, "Line", 0, false); d.Full || len(d.Fragments) != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestSelect(t *testing.T) {
	s := newServer(t, nil)
	put(t, s, "Item", map[string]any{"Id": 1, "Name": "a", "Qty": 3})
	put(t, s, "Item", map[string]any{"Id": 2, "Name": "b", "Qty": 9})
	put(t, s, "Item", map[string]any{"Id": 3, "Name": "c", "Qty": 3})
	put(t, s, "Item", map[string]any{"Id": 4, "Name": "d"})

	q := &query.Query{
		Table:   "Item",
		Columns: []string{"id", "Name"},
		Filter:  filter.Compare(filter.OpGe, "Qty", 3),
		OrderBy: []query.Order{{Column: "Qty", Desc: true}, {Column: "Id"}},
	}
	recs, err := s.Select(q)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, key.Format(r[0])+key.Format(r[1]))
	}
	if want := []string{"2b", "1a", "3c"}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := s.Select(&query.Query{Table: "Item", Columns: []string{"Color"}}); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("got %v", err)
	}
	if _, err := s.Select(&query.Query{Table: "Item", Filter: filter.Eq("Color", 1)}); !errors.Is(err, filter.ErrUnresolvedColumn) {
		t.Fatalf("got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for _, err := range s.Query(ctx, &query.Query{Table: "Item", Columns: []string{"Id"}}) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v", err)
		}
		break
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := newServer(t, nil)
	put(t, s, "Item", map[string]any{"Id": 1, "Name": "a", "Qty": 3})
	put(t, s, "Item", map[string]any{"Id": 2, "Name": "b"})
	put(t, s, "Line", map[string]any{"OrderId": 1, "Pos": 2, "Sku": "z"})
	if err := s.Save(dir); err != nil {
		t.Fatal(err)
	}

	s2 := newServer(t, nil)
	var notified []string
	cancel := s2.Subscribe(func(tables []string) { notified = tables })
	defer cancel()
	n, err := s2.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("loaded %d rows", n)
	}
	if !slices.Equal(notified, []string{"Item", "Line"}) {
		t.Fatalf("notified %v", notified)
	}
	recs, err := s2.Select(&query.Query{Table: "Item", Columns: []string{"Id", "Name", "Qty"}, OrderBy: []query.Order{{Column: "Id"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0][0] != int64(1) || recs[0][2] != int64(3) || recs[1][2] != nil {
		t.Fatalf("got %v", recs)
	}
	// Seeded rows are not in the log.
	if d := syncOne(t, s2, "Item", 0, false); !d.Full {
		t.Fatalf("got %+v", d)
	}
}

var secret = []byte("test-secret")

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func do(t *testing.T, srv *httptest.Server, method, path, tok, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func TestHandler(t *testing.T) {
	s := newServer(t, nil)
	put(t, s, "Item", map[string]any{"Id": 1, "Name": "a", "Qty": 3})
	put(t, s, "Item", map[string]any{"Id": 2, "Name": "b", "Qty": 4})
	srv := httptest.NewServer(s.Handler(&HandlerOptions{Secret: secret}))
	defer srv.Close()
	tok := token(t, "alice")

	if resp, _ := do(t, srv, "GET", "/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	if resp, _ := do(t, srv, "POST", "/query", "", "{}"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, srv, "POST", "/query", "garbage", "{}"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", resp.StatusCode)
	}

	resp, body := do(t, srv, "POST", "/query", tok, `{"table":"Item","columns":["Id","Qty"],"filter":{"op":"gt","column":"Qty","value":3}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query = %d: %s", resp.StatusCode, body)
	}
	if body != "[2,4]\n" {
		t.Fatalf("query body = %q", body)
	}
	if resp, _ := do(t, srv, "POST", "/query", tok, `{"table":"Nope"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown table = %d", resp.StatusCode)
	}
	if resp, _ := do(t, srv, "POST", "/query", tok, `{`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json = %d", resp.StatusCode)
	}

	var req bytes.Buffer
	r := &cdc.Request{LastSyncStamp: 1, Tables: []cdc.Sync{{Table: "Item", SyncID: 1}}}
	if err := r.Encode(&req); err != nil {
		t.Fatal(err)
	}
	resp, body = do(t, srv, "POST", "/sync", tok, req.String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync = %d: %s", resp.StatusCode, body)
	}
	sr, err := cdc.Decode(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	d := sr.Table("Item")
	if sr.SyncStamp != 2 || d == nil || len(d.Fragments) != 1 || d.Fragments[0].ID != "2" {
		t.Fatalf("got %+v", sr)
	}
	if resp, _ := do(t, srv, "POST", "/sync", tok, "<nope"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad xml = %d", resp.StatusCode)
	}
}

func TestHandlerRateLimit(t *testing.T) {
	s := newServer(t, nil)
	limits := ratelimit.DefaultConfig(1)
	defer limits.Close()
	srv := httptest.NewServer(s.Handler(&HandlerOptions{Limits: limits}))
	defer srv.Close()
	body := `<batch lastSyncTimeStamp="-1"><sync table="Item" syncId="-1"></sync></batch>`
	if resp, _ := do(t, srv, "POST", "/sync", "", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	resp, _ := do(t, srv, "POST", "/sync", "", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestNotify(t *testing.T) {
	s := newServer(t, nil)
	srv := httptest.NewServer(s.Handler(nil))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/notify", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for {
		s.subMu.Lock()
		n := len(s.subs)
		s.subMu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	put(t, s, "Item", map[string]any{"Id": 1})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var n Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(n.Tables, []string{"Item"}) {
		t.Fatalf("got %v", n.Tables)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestMerge(t *testing.T) {
	got := merge([]string{"b", "a"}, []string{"c", "a"})
	if want := []string{"a", "b", "c"}; !slices.Equal(got, want) {
		t.Fatalf("got %v", got)
	}
}

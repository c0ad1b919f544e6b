package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystal-mush/clanwar/pkg/boltstore"
	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
	"github.com/crystal-mush/clanwar/pkg/history"
	"github.com/gorilla/websocket"
)

const testSecret = "test-secret"

type fakeHistory struct {
	records []history.Record
	err     error
	limit   int
}

func (f *fakeHistory) Recent(limit int) ([]history.Record, error) {
	f.limit = limit
	return f.records, f.err
}

func (f *fakeHistory) ClanRecord(clan string) (history.ClanRecord, error) {
	return history.ClanRecord{Clan: clanwar.NormalizeID(clan), Wins: 2, Losses: 1}, f.err
}

type testEnv struct {
	ws    *WebServer
	ts    *httptest.Server
	wars  *clanwar.Registry
	bus   *events.Bus
	store *boltstore.Store
	hist  *fakeHistory
}

// newTestEnv serves a web server over a real clan directory: alpha is led by
// a1 with member a2, beta is led by b1 with member b2.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "clans.bolt"))
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, c := range []struct{ name, leader, member string }{{"Alpha", "a1", "a2"}, {"Beta", "b1", "b2"}} {
		if _, err := store.CreateClan(c.name, c.leader); err != nil {
			t.Fatalf("CreateClan: %v", err)
		}
		if err := store.AddMember(c.name, c.member); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}

	bus := events.NewBus()
	wars := clanwar.NewRegistry(store, bus, clanwar.Limits{})
	hist := &fakeHistory{}
	ws := NewWebServer(Services{
		Wars:    wars,
		Clans:   store,
		Bus:     bus,
		History: hist,
	}, WebConfig{JWTSecret: testSecret, RateLimit: 1000})
	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ws: ws, ts: ts, wars: wars, bus: bus, store: store, hist: hist}
}

func (e *testEnv) start(t *testing.T, room string, size int) *clanwar.War {
	t.Helper()
	w, err := e.wars.Start(clanwar.StartParams{Clan: "alpha", Opponent: "beta", Room: room, Size: size})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return w
}

func (e *testEnv) token(t *testing.T, user string, admin bool) string {
	t.Helper()
	tok, err := e.ws.Auth().Issue(user, admin)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decoding body: %v", method, path, err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	e.start(t, "arena", 1)

	resp, body := e.do(t, "GET", "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["active_wars"] != float64(1) || body["version"] != Version {
		t.Errorf("health = %v", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestWarReadModels(t *testing.T) {
	e := newTestEnv(t)
	w := e.start(t, "arena", 2)
	if err := w.Join("a1", clanwar.SideA); err != nil {
		t.Fatalf("Join: %v", err)
	}

	_, body := e.do(t, "GET", "/api/v1/wars", "", "")
	if body["count"] != float64(1) {
		t.Fatalf("list = %v", body)
	}

	resp, snap := e.do(t, "GET", "/api/v1/wars/Arena", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get war status = %d", resp.StatusCode)
	}
	if snap["id"] != "alpha" || snap["opponent"] != "beta" || snap["state"] != "registering" {
		t.Errorf("snapshot = %v", snap)
	}
	free, _ := snap["free_slots"].([]any)
	if len(free) != 2 || free[0] != float64(1) || free[1] != float64(2) {
		t.Errorf("free_slots = %v", snap["free_slots"])
	}

	resp, body = e.do(t, "GET", "/api/v1/wars/lobby", "", "")
	if resp.StatusCode != http.StatusNotFound || body["error"] == nil {
		t.Errorf("missing war = %d %v", resp.StatusCode, body)
	}
}

func TestEndWarAuthorization(t *testing.T) {
	e := newTestEnv(t)
	e.start(t, "arena", 1)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "not-a-jwt", http.StatusUnauthorized},
		{"plain member", e.token(t, "b2", false), http.StatusForbidden},
		{"outsider", e.token(t, "stranger", false), http.StatusForbidden},
		{"opposing leader", e.token(t, "B1", false), http.StatusOK},
		{"already gone", e.token(t, "b1", false), http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := e.do(t, "POST", "/api/v1/wars/arena/end", tt.token, `{"reason":"rain delay"}`)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status = %d, want %d (%v)", tt.name, resp.StatusCode, tt.status, body)
		}
		if tt.status == http.StatusOK && (body["state"] != "ended" || body["outcome"] != "cancelled") {
			t.Errorf("%s: snapshot = %v", tt.name, body)
		}
	}
	if e.wars.Count() != 0 {
		t.Errorf("Count = %d after end", e.wars.Count())
	}

	// Admins may end any war, and an empty body gets a default reason.
	e.start(t, "lobby", 1)
	resp, _ := e.do(t, "POST", "/api/v1/wars/lobby/end", e.token(t, "moderator", true), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin end status = %d", resp.StatusCode)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.hist.records = []history.Record{{ID: 7, Summary: clanwar.Summary{War: "alpha", Outcome: clanwar.OutcomeTie}}}

	_, body := e.do(t, "GET", "/api/v1/history", "", "")
	if body["count"] != float64(1) || e.hist.limit != 20 {
		t.Errorf("history = %v (limit %d)", body, e.hist.limit)
	}
	e.do(t, "GET", "/api/v1/history?limit=500", "", "")
	if e.hist.limit != 100 {
		t.Errorf("limit not capped: %d", e.hist.limit)
	}
	if resp, _ := e.do(t, "GET", "/api/v1/history?limit=-1", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", resp.StatusCode)
	}

	_, rec := e.do(t, "GET", "/api/v1/clans/Alpha/record", "", "")
	if rec["clan"] != "alpha" || rec["wins"] != float64(2) {
		t.Errorf("clan record = %v", rec)
	}

	e.hist.err = errors.New("disk on fire")
	if resp, _ := e.do(t, "GET", "/api/v1/history", "", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing history status = %d", resp.StatusCode)
	}
}

func TestHistoryDisabled(t *testing.T) {
	bus := events.NewBus()
	ws := NewWebServer(Services{Wars: clanwar.NewRegistry(nil, bus, clanwar.Limits{}), Bus: bus}, WebConfig{})
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/history", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/clans", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("clans without a directory = %d, want 404", rec.Code)
	}
}

func TestClanEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.start(t, "arena", 1)

	_, body := e.do(t, "GET", "/api/v1/clans", "", "")
	if body["count"] != float64(2) {
		t.Fatalf("clans = %v", body)
	}
	resp, clan := e.do(t, "GET", "/api/v1/clans/alpha", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get clan status = %d", resp.StatusCode)
	}
	members, _ := clan["members"].(map[string]any)
	if clan["at_war"] != true || members["a1"] != "leader" || members["a2"] != "member" {
		t.Errorf("clan = %v", clan)
	}
	if resp, _ := e.do(t, "GET", "/api/v1/clans/nosuch", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown clan status = %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	bus := events.NewBus()
	ws := NewWebServer(Services{Wars: clanwar.NewRegistry(nil, bus, clanwar.Limits{}), Bus: bus},
		WebConfig{CORSOrigins: []string{"https://chat.example"}})

	req := httptest.NewRequest("OPTIONS", "/api/v1/wars", nil)
	req.Header.Set("Origin", "https://CHAT.example")
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://CHAT.example" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin was allowed")
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

// wsFrame mirrors wsMessage with a raw payload.
type wsFrame struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	War  string          `json:"war"`
	Data json.RawMessage `json:"data"`
}

func TestRoomFeed(t *testing.T) {
	e := newTestEnv(t)
	w := e.start(t, "arena", 1)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/rooms/Arena"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Type != "snapshot" || f.Room != "arena" || f.War != "alpha" {
		t.Fatalf("first frame = %+v", f)
	}

	if err := w.Join("a1", clanwar.SideA); err != nil {
		t.Fatalf("Join: %v", err)
	}
	f = readFrame(t, conn)
	if f.Type != "participant_joined" {
		t.Fatalf("frame = %+v, want participant_joined", f)
	}
	var rc struct {
		User      string `json:"user"`
		Side      string `json:"side"`
		FreeSlots int    `json:"free_slots"`
	}
	if err := json.Unmarshal(f.Data, &rc); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if rc.User != "a1" || rc.FreeSlots != 0 {
		t.Errorf("payload = %+v", rc)
	}

	if err := w.Join("b1", clanwar.SideB); err != nil {
		t.Fatalf("Join: %v", err)
	}
	want := []string{"participant_joined", "round_opened"}
	for _, typ := range want {
		if f := readFrame(t, conn); f.Type != typ {
			t.Errorf("frame = %s, want %s", f.Type, typ)
		}
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for e.bus.RoomSubscribers("arena") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("feed still subscribed after the client left")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoomFeedOtherRoomsIsolated(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/rooms/lobby"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// No war in the lobby yet, so no snapshot; a war elsewhere stays silent.
	w := e.start(t, "arena", 1)
	if err := w.Join("a1", clanwar.SideA); err != nil {
		t.Fatalf("Join: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var f wsFrame
	if err := conn.ReadJSON(&f); err == nil {
		t.Errorf("lobby feed received %+v", f)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/crystal-mush/clanwar/pkg/events"
	"github.com/crystal-mush/clanwar/pkg/history"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"
)

// WebConfig holds configuration for the web server.
type WebConfig struct {
	Port         int
	Host         string
	CORSOrigins  []string
	RateLimit    int
	JWTSecret    string
	JWTExpiry    int
	HistoryLimit int
	TLS          TLSOptions
}

// WebConfig extracts the web server settings.
func (wc *WarConf) WebConfig() WebConfig {
	return WebConfig{
		Port:         wc.WebPort,
		Host:         wc.WebHost,
		CORSOrigins:  wc.WebCORSOrigins,
		RateLimit:    wc.WebRateLimit,
		JWTSecret:    wc.JWTSecret,
		JWTExpiry:    wc.JWTExpiry,
		HistoryLimit: wc.HistoryLimit,
		TLS: TLSOptions{
			Domain:   wc.TLSDomain,
			CertFile: wc.TLSCert,
			KeyFile:  wc.TLSKey,
			CertDir:  wc.TLSCertDir,
		},
	}
}

// HistorySource is the read side of the war history store.
type HistorySource interface {
	Recent(limit int) ([]history.Record, error)
	ClanRecord(clan string) (history.ClanRecord, error)
}

// Services are the collaborators the web server reads from. Clans, History
// and Metrics may be nil; Members defaults to Clans.
type Services struct {
	Wars    *clanwar.Registry
	Members clanwar.Membership
	Clans   ClanDirectory
	Bus     *events.Bus
	History HistorySource
	Metrics *Metrics
}

// WebServer exposes read models of running wars, finished war history,
// administrative termination and a per-room websocket event feed.
type WebServer struct {
	svc       Services
	cfg       WebConfig
	httpSrv   *http.Server
	mux       *http.ServeMux
	auth      *AuthService
	rl        *rateLimiter
	upgrader  websocket.Upgrader
	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewWebServer creates a web server over the given services.
func NewWebServer(svc Services, cfg WebConfig) *WebServer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if svc.Members == nil && svc.Clans != nil {
		svc.Members = svc.Clans
	}
	ws := &WebServer{
		svc:       svc,
		cfg:       cfg,
		mux:       http.NewServeMux(),
		auth:      NewAuthService(cfg.JWTSecret, cfg.JWTExpiry),
		rl:        newRateLimiter(cfg.RateLimit),
		startTime: time.Now(),
		stop:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()
	return ws
}

// Auth returns the auth service, used by hosts to mint tokens.
func (ws *WebServer) Auth() *AuthService {
	return ws.auth
}

// Handler returns the root handler with middleware applied.
func (ws *WebServer) Handler() http.Handler {
	return ws.httpSrv.Handler
}

func (ws *WebServer) registerRoutes() {
	// Apply global middleware: CORS -> rate limit
	handler := http.Handler(ws.mux)
	handler = rateLimitMiddleware(ws.rl, handler)
	handler = corsMiddleware(ws.cfg.CORSOrigins, handler)

	ws.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", ws.cfg.Host, ws.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	if ws.svc.Metrics != nil {
		ws.mux.Handle("GET /metrics", ws.svc.Metrics.Handler())
	}

	ws.mux.HandleFunc("GET /api/v1/wars", ws.handleListWars)
	ws.mux.HandleFunc("GET /api/v1/wars/{room}", ws.handleGetWar)
	ws.mux.Handle("POST /api/v1/wars/{room}/end",
		authMiddleware(ws.auth, http.HandlerFunc(ws.handleEndWar)))
	ws.mux.HandleFunc("GET /api/v1/history", ws.handleHistory)
	if ws.svc.Clans != nil {
		ws.mux.HandleFunc("GET /api/v1/clans", ws.handleListClans)
		ws.mux.HandleFunc("GET /api/v1/clans/{clan}", ws.handleGetClan)
	}
	ws.mux.HandleFunc("GET /api/v1/clans/{clan}/record", ws.handleClanRecord)

	ws.mux.HandleFunc("GET /ws/rooms/{room}", ws.handleRoomFeed)
}

// Start begins listening and blocks until the server is stopped. HTTPS is
// used when TLS is configured, falling back to HTTP if setup fails.
func (ws *WebServer) Start() error {
	// Rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ws.rl.cleanup()
				ws.svc.Bus.Cleanup()
			case <-ws.stop:
				return
			}
		}
	}()

	if ws.cfg.TLS.Enabled() {
		setup, err := setupTLS(ws.cfg.TLS)
		if err != nil {
			log.Printf("web: TLS setup failed (%v), falling back to HTTP", err)
		} else {
			ws.httpSrv.TLSConfig = setup.config
			if setup.manager != nil {
				go ws.serveACME(setup.manager)
			}
			log.Printf("web: listening on %s (HTTPS)", ws.httpSrv.Addr)
			return ignoreClosed(ws.httpSrv.ListenAndServeTLS("", ""))
		}
	}

	log.Printf("web: listening on %s (HTTP)", ws.httpSrv.Addr)
	return ignoreClosed(ws.httpSrv.ListenAndServe())
}

// serveACME answers Let's Encrypt HTTP challenges on :80 until Stop.
func (ws *WebServer) serveACME(m *autocert.Manager) {
	srv := &http.Server{
		Addr:              ":80",
		Handler:           m.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ws.stop
		srv.Close()
	}()
	log.Printf("web: ACME challenge listener on :80")
	if err := ignoreClosed(srv.ListenAndServe()); err != nil {
		log.Printf("web: ACME listener: %v", err)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stop) })
	return ws.httpSrv.Shutdown(ctx)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clanwar.ErrNoSuchWar):
		return http.StatusNotFound
	case errors.Is(err, clanwar.ErrWarEnded), errors.Is(err, clanwar.ErrWrongPhase):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- Handlers ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     Version,
		"active_wars": ws.svc.Wars.Count(),
		"uptime":      int(time.Since(ws.startTime).Seconds()),
	})
}

func (ws *WebServer) handleListWars(w http.ResponseWriter, r *http.Request) {
	wars := ws.svc.Wars.Wars()
	snaps := make([]clanwar.Snapshot, 0, len(wars))
	for _, war := range wars {
		snaps = append(snaps, war.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wars":  snaps,
		"count": len(snaps),
	})
}

func (ws *WebServer) handleGetWar(w http.ResponseWriter, r *http.Request) {
	war := ws.svc.Wars.ByRoom(r.PathValue("room"))
	if war == nil {
		writeError(w, http.StatusNotFound, "no war in that room")
		return
	}
	writeJSON(w, http.StatusOK, war.Snapshot())
}

func (ws *WebServer) handleEndWar(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	war := ws.svc.Wars.ByRoom(r.PathValue("room"))
	if war == nil {
		writeError(w, http.StatusNotFound, "no war in that room")
		return
	}
	user := claims.User()
	if !claims.Admin && !ws.canEnd(war, user) {
		writeError(w, http.StatusForbidden, "only an officer or leader of a participating clan may end this war")
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "ended by " + user
	}
	if err := war.End(reason); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	log.Printf("web: war in %s ended by %s (%s)", war.Room(), user, reason)
	writeJSON(w, http.StatusOK, war.Snapshot())
}

func (ws *WebServer) canEnd(war *clanwar.War, user string) bool {
	if ws.svc.Members == nil || user == "" {
		return false
	}
	for _, side := range []clanwar.Side{clanwar.SideA, clanwar.SideB} {
		if ws.svc.Members.IsOfficerOrLeader(war.Clan(side), user) {
			return true
		}
	}
	return false
}

func (ws *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if ws.svc.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}
	limit := ws.cfg.HistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}
	records, err := ws.svc.History.Recent(limit)
	if err != nil {
		log.Printf("web: history: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wars":  records,
		"count": len(records),
	})
}

func (ws *WebServer) handleClanRecord(w http.ResponseWriter, r *http.Request) {
	if ws.svc.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}
	rec, err := ws.svc.History.ClanRecord(r.PathValue("clan"))
	if err != nil {
		log.Printf("web: clan record: %v", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- WebSocket room feed ---

// feedBuffer bounds the events queued for one websocket client. A client
// that falls this far behind is disconnected.
const feedBuffer = 64

// wsMessage is the JSON frame sent to feed clients.
type wsMessage struct {
	Type string    `json:"type"`
	Room string    `json:"room"`
	War  string    `json:"war,omitempty"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// roomFeed is a bus subscriber that forwards one room's events to a
// websocket client. Receive never blocks; a writer goroutine owns the socket.
type roomFeed struct {
	conn    *websocket.Conn
	room    string
	send    chan wsMessage
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func newRoomFeed(conn *websocket.Conn, room string) *roomFeed {
	return &roomFeed{
		conn: conn,
		room: room,
		send: make(chan wsMessage, feedBuffer),
		done: make(chan struct{}),
	}
}

// Receive implements events.Subscriber.
func (f *roomFeed) Receive(ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	select {
	case f.send <- wsMessage{Type: ev.Type.String(), Room: ev.Room, War: ev.War, Time: ev.Time, Data: ev.Data}:
	default:
		log.Printf("web: feed for %s fell behind, disconnecting %s", f.room, f.conn.RemoteAddr())
		f.stopped = true
		f.close()
	}
}

// Closed implements events.Subscriber.
func (f *roomFeed) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *roomFeed) close() {
	f.once.Do(func() { close(f.done) })
}

func (f *roomFeed) write(msg wsMessage) error {
	f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return f.conn.WriteJSON(msg)
}

// writeLoop sends queued events and keepalive pings until the feed closes.
func (f *roomFeed) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case msg := <-f.send:
			if err := f.write(msg); err != nil {
				f.close()
				return
			}
		case <-ping.C:
			f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.close()
				return
			}
		case <-f.done:
			f.conn.SetWriteDeadline(time.Now().Add(time.Second))
			f.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readLoop discards client frames so control messages are processed, and
// closes the feed when the client goes away.
func (f *roomFeed) readLoop() {
	defer f.close()
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: feed read error from %s: %v", f.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// handleRoomFeed upgrades to a websocket and streams the room's war events.
// A snapshot of the current war, if any, is sent first.
func (ws *WebServer) handleRoomFeed(w http.ResponseWriter, r *http.Request) {
	room := clanwar.NormalizeID(r.PathValue("room"))
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}

	feed := newRoomFeed(conn, room)
	ws.svc.Bus.Subscribe(room, feed)

	if war := ws.svc.Wars.ByRoom(room); war != nil {
		snap := war.Snapshot()
		if err := feed.write(wsMessage{Type: "snapshot", Room: room, War: snap.ID, Time: time.Now(), Data: snap}); err != nil {
			feed.close()
		}
	}

	DebugLog("web: feed for %s opened by %s", room, conn.RemoteAddr())
	go feed.readLoop()
	go func() {
		feed.writeLoop()
		ws.svc.Bus.Unsubscribe(room, feed)
		conn.Close()
		DebugLog("web: feed for %s closed by %s", room, conn.RemoteAddr())
	}()
}

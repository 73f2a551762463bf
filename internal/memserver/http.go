package memserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/ratelimit"
)

// HandlerOptions configures the HTTP surface of a Server.
type HandlerOptions struct {
	// Secret validates HS256 bearer tokens. Nil disables authentication.
	Secret []byte
	// Limits throttles clients. Nil disables rate limiting.
	Limits *ratelimit.Config
	// MaxBodyBytes limits request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Notification is the message sent on /notify after tables changed.
type Notification struct {
	Tables []string `json:"tables"`
}

type subjectKey struct{}

// Handler returns the HTTP handler:
//
//	POST /sync    XML batch, XML response
//	POST /query   JSON query, JSON Lines response
//	GET  /notify  websocket of Notification
//	GET  /health  liveness
func (s *Server) Handler(opts *HandlerOptions) http.Handler {
	if opts == nil {
		opts = &HandlerOptions{}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /sync", func(w http.ResponseWriter, r *http.Request) {
		s.serveSync(w, http.MaxBytesReader(w, r.Body, maxBody), r)
	})
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		s.serveQuery(w, http.MaxBytesReader(w, r.Body, maxBody), r)
	})
	mux.HandleFunc("GET /notify", s.serveNotify)

	var h http.Handler = mux
	if opts.Limits != nil {
		h = ratelimit.Middleware(opts.Limits, clientID)(h)
	}
	if opts.Secret != nil {
		h = authMiddleware(opts.Secret)(h)
	}
	return h
}

// authMiddleware validates the bearer token and stores its subject in the
// request context.
func authMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || scheme != "Bearer" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Missing bearer token")
				return
			}
			claims := &jwt.RegisteredClaims{}
			_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientID identifies a client for rate limiting.
func clientID(r *http.Request) string {
	if sub, ok := r.Context().Value(subjectKey{}).(string); ok {
		return "sub:" + sub
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) serveSync(w http.ResponseWriter, body io.Reader, r *http.Request) {
	req, err := cdc.DecodeRequest(body)
	if err != nil {
		s.log.WarnContext(r.Context(), "Bad sync request", "err", err)
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	resp, err := s.Sync(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	if err := resp.Encode(w); err != nil {
		s.log.WarnContext(r.Context(), "Failed to write sync response", "err", err)
	}
}

func (s *Server) serveQuery(w http.ResponseWriter, body io.Reader, r *http.Request) {
	q := &query.Query{}
	d := json.NewDecoder(body)
	d.UseNumber()
	if err := d.Decode(q); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid query: "+err.Error())
		return
	}
	recs, err := s.Select(q)
	if err != nil {
		if errors.Is(err, ErrUnknownTable) {
			writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/jsonl")
	e := json.NewEncoder(w)
	for _, rec := range recs {
		if err := e.Encode(rec); err != nil {
			s.log.WarnContext(r.Context(), "Failed to write query response", "table", q.Table, "err", err)
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// serveNotify pushes a Notification after every change. Changes made while
// a message is being written are coalesced.
func (s *Server) serveNotify(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "Failed to upgrade", "err", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	changed := make(chan []string, 1)
	cancel := s.Subscribe(func(tables []string) {
		for {
			select {
			case changed <- tables:
				return
			case prev := <-changed:
				tables = merge(prev, tables)
			}
		}
	})
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Warn("Unexpected notify close", "err", err)
				}
				return
			}
		}
	}()
	s.log.Debug("Notify client connected", "client", clientID(r))
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case tables := <-changed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Notification{Tables: tables}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func merge(a, b []string) []string {
	out := slices.Clone(a)
	for _, t := range b {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

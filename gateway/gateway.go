// Package gateway exposes license verification to ZonePlugin deployments
// over a websocket, so game servers can check their key without Discord
// access.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"zonebot/config"
	"zonebot/license"
)

// Verifier is the slice of the license manager the gateway needs.
type Verifier interface {
	Verify(key, serverID string) license.VerifyResult
}

// Frame is the wire format, both directions. Unused fields stay empty.
type Frame struct {
	Op       string `json:"op"`
	Key      string `json:"key,omitempty"`
	ServerID string `json:"serverId,omitempty"`
	Valid    bool   `json:"valid,omitempty"`
	Reason   string `json:"reason,omitempty"`
	DaysLeft int    `json:"daysLeft,omitempty"`
	Message  string `json:"message,omitempty"`
}

const SecretHeader = "X-Gateway-Secret"

type Server struct {
	addr     string
	secret   string
	verifier Verifier
	upgrader websocket.Upgrader
	srv      *http.Server
}

func New(cfg *config.GatewayConfig, verifier Verifier) *Server {
	return &Server{
		addr:     cfg.ListenAddr,
		secret:   cfg.Secret,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Start listens in the background. Listener failures after startup are
// logged, not fatal: the bot keeps running without the gateway.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		log.Printf("[Gateway] Listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Gateway] Listener stopped: %v", err)
		}
	}()
}

func (s *Server) Stop() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

// Handler exposes the websocket endpoint for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" && r.Header.Get(SecretHeader) != s.secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	go s.readLoop(conn, r.RemoteAddr)
}

// readLoop serves one plugin connection until it drops. A malformed frame
// gets an error frame back; only transport errors end the loop.
func (s *Server) readLoop(conn *websocket.Conn, remote string) {
	defer conn.Close()
	log.Printf("[Gateway] Plugin connected from %s", remote)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Gateway] Connection from %s dropped: %v", remote, err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.send(conn, Frame{Op: "error", Message: "malformed frame"})
			continue
		}

		switch strings.ToLower(frame.Op) {
		case "ping":
			s.send(conn, Frame{Op: "pong"})

		case "verify":
			if frame.Key == "" {
				s.send(conn, Frame{Op: "error", Message: "verify needs a key"})
				continue
			}
			res := s.verifier.Verify(frame.Key, frame.ServerID)
			s.send(conn, Frame{
				Op:       "verify_result",
				Valid:    res.Valid,
				Reason:   res.Reason,
				DaysLeft: res.DaysLeft,
			})

		default:
			s.send(conn, Frame{Op: "error", Message: "unknown op: " + frame.Op})
		}
	}
}

func (s *Server) send(conn *websocket.Conn, frame Frame) {
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf("[Gateway] Write failed: %v", err)
	}
}

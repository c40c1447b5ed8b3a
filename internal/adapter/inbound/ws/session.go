// Package ws is the WebSocket inbound adapter: it terminates agent
// connections, enforces the auth handshake and per-connection rate limit,
// and hands tool requests to the gateway.
package ws

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agent-gate/agentgate/internal/service"
	"github.com/agent-gate/agentgate/pkg/rpc"
)

const (
	writeTimeout = 10 * time.Second
	authTimeout  = 30 * time.Second
)

// Server upgrades agent connections and runs one session per connection.
type Server struct {
	gateway   *service.Gateway
	tokenHash [sha256.Size]byte
	// baseCtx outlives individual connections; tool requests run on it so
	// approvals survive a disconnect.
	baseCtx context.Context
	rpm     int
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer builds the adapter. rpm caps tool requests per connection per
// minute; zero or negative disables the limit.
func NewServer(baseCtx context.Context, gateway *service.Gateway, agentToken string, rpm int, logger *slog.Logger) *Server {
	return &Server{
		gateway:   gateway,
		tokenHash: sha256.Sum256([]byte(agentToken)),
		baseCtx:   baseCtx,
		rpm:       rpm,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{
		server: s,
		conn:   conn,
		owner:  uuid.NewString(),
		logger: s.logger.With("remote", r.RemoteAddr),
	}
	if s.rpm > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(float64(s.rpm))/60.0, s.rpm)
	}
	sess.run()
}

// session is one agent connection.
type session struct {
	server  *Server
	conn    *websocket.Conn
	owner   string
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu sync.Mutex
}

func (s *session) run() {
	defer s.conn.Close()

	if !s.authenticate() {
		return
	}
	s.logger.Info("agent authenticated", "connection", s.owner)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Info("connection closed", "connection", s.owner, "error", err)
			return
		}

		req, err := rpc.DecodeRequest(data)
		if err != nil {
			// A peer that cannot produce valid JSON-RPC gets disconnected.
			s.logger.Warn("malformed frame, closing", "connection", s.owner, "error", err)
			return
		}

		switch req.Method {
		case rpc.MethodToolRequest:
			s.handleToolRequest(req)
		case rpc.MethodGetPendingResults:
			s.handlePendingResults(req)
		default:
			s.send(rpc.NewError(req.ID, rpc.CodeMethodNotFound, "Method not found: "+req.Method))
		}
	}
}

// authenticate enforces that the first frame is a valid auth request. The
// token comparison is constant-time over sha256 digests.
func (s *session) authenticate() bool {
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Warn("connection closed before auth", "error", err)
		return false
	}

	req, err := rpc.DecodeRequest(data)
	if err != nil || req.Method != rpc.MethodAuth {
		s.send(rpc.NewError(idOrNull(req), rpc.CodeAuthFailed, "Authentication required"))
		return false
	}

	var params rpc.AuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.send(rpc.NewError(req.ID, rpc.CodeAuthFailed, "Authentication failed"))
		return false
	}

	presented := sha256.Sum256([]byte(params.Token))
	if subtle.ConstantTimeCompare(presented[:], s.server.tokenHash[:]) != 1 {
		s.logger.Warn("authentication failed")
		s.send(rpc.NewError(req.ID, rpc.CodeAuthFailed, "Authentication failed"))
		return false
	}

	resp, err := rpc.NewResult(req.ID, rpc.AuthResult{Status: rpc.StatusAuthenticated})
	if err != nil {
		return false
	}
	return s.send(resp) == nil
}

func (s *session) handleToolRequest(req *rpc.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.send(rpc.NewError(req.ID, rpc.CodeRateLimited, "Rate limit exceeded"))
		return
	}

	var params rpc.ToolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Tool == "" {
		s.send(rpc.NewError(req.ID, rpc.CodePolicyDenied, "Validation failed: malformed tool request"))
		return
	}

	// Each request runs on the server lifecycle context so a pending
	// approval outlives this connection.
	go s.server.gateway.HandleToolRequest(s.server.baseCtx, s.owner, req.ID, params, s.send)
}

func (s *session) handlePendingResults(req *rpc.Request) {
	results, requestIDs, err := s.server.gateway.PendingResults(service.DefaultAgentID)
	if err != nil {
		s.logger.Error("load pending results", "error", err)
		s.send(rpc.NewError(req.ID, rpc.CodeServerError, "Failed to load pending results"))
		return
	}
	resp, err := rpc.NewResult(req.ID, results)
	if err != nil {
		s.send(rpc.NewError(req.ID, rpc.CodeServerError, "Failed to encode pending results"))
		return
	}
	// Outcomes are marked delivered only once the frame is on the wire; a
	// write failure leaves them replayable on the next connection.
	if s.send(resp) == nil {
		s.server.gateway.ConfirmDelivered(requestIDs)
	}
}

// send writes one frame. The mutex serializes concurrent request goroutines
// onto the single connection writer.
func (s *session) send(resp *rpc.Response) error {
	data, err := rpc.Encode(resp)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func idOrNull(req *rpc.Request) json.RawMessage {
	if req == nil || len(req.ID) == 0 {
		return json.RawMessage("null")
	}
	return req.ID
}

// Package gateway exposes conversations over JSON-RPC 2.0, on a websocket
// with streamed turn events and on a single-shot HTTP endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// SecretHeader carries the shared secret on HTTP requests
const SecretHeader = "X-Switchboard-Secret"

// Server is the gateway server
type Server struct {
	addr              string
	tickInterval      time.Duration
	requestsPerMinute int
	maxConcurrent     int
	server            *http.Server
	upgrader          websocket.Upgrader
	clients           *ClientRegistry
	router            *RPCRouter
	authHandler       *AuthHandler
	broadcaster       *EventBroadcaster
	conversations     Conversations
	logger            zerolog.Logger
	isShuttingDown    bool
	shutdownMu        sync.RWMutex
	inFlightReqs      sync.WaitGroup
	tickCancel        context.CancelFunc
	tickWG            sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	Conversations     Conversations
	Logger            zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Conversations == nil {
		return nil, fmt.Errorf("conversations are required")
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tickInterval:      cfg.TickInterval,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		clients:           clients,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, logger),
		conversations:     cfg.Conversations,
		logger:            logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens in the background and starts the keepalive ticker
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Stop waits for in-flight requests, closes client connections and shuts
// the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "server.shutdown",
		Stream: StreamTypeLifecycle,
		Phase:  "shutdown",
		Data:   map[string]interface{}{"message": "Server is shutting down"},
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data:   map[string]interface{}{"status": "alive", "clients": s.clients.Count()},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	now := time.Now()
	clientID, err := gonanoid.New()
	if err != nil {
		clientID = fmt.Sprintf("client-%d", now.UnixNano())
	}
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		Limiter:      NewClientLimiter(s.requestsPerMinute, s.maxConcurrent),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

// handleClient reads requests until the connection closes. Turns started by
// the client are cancelled when it disconnects.
func (s *Server) handleClient(client *Client) {
	ctx, cancel := context.WithCancel(withClientID(context.Background(), client.ID))
	defer func() {
		cancel()
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID)
		s.handleMessage(ctx, client, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, client *Client, data []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(data, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(data)
	if err != nil {
		rpcErr := asRPCError(err)
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return
	}

	if err := client.Limiter.Acquire(); err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer client.Limiter.Release()
		defer s.inFlightReqs.Done()

		reqCtx := tracing.WithRequestID(ctx, req.ID)
		reqCtx = tracing.WithTraceID(reqCtx, tracing.NewTraceID())
		response := s.router.RouteRequest(reqCtx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC serves single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", asRPCError(err)))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		if client.AuthAttempts >= MaxAuthAttempts {
			_ = client.Conn.Close()
		}
		return
	}
	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, &RPCError{Code: code, Message: message})); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// ConnectedClients describes all connected clients
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Info()
}

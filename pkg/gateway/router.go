package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RPCRouter registers methods and routes requests to them
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replays *replayCache
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: newReplayCache(5 * time.Minute),
	}
}

// RegisterMethod registers an RPC method handler, replacing any previous one
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req and builds the response.
// Requests sharing an idempotency key run once: a duplicate that arrives
// while the first is running waits for its response, and later duplicates
// replay it. Keys are scoped to the calling client and the method.
// Failed responses are not remembered.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := idempotencyCacheKey(clientIDFromContext(ctx), req.Method, req.IdempotencyKey)
	if key == "" {
		return r.dispatch(ctx, req)
	}

	entry, owner := r.replays.claim(key)
	if !owner {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return errorResponse(req.ID, &RPCError{Code: InternalError, Message: ctx.Err().Error()})
		}
		replayed := cloneRPCResponse(entry.response)
		replayed.ID = req.ID
		return &replayed
	}

	response := r.dispatch(ctx, req)
	r.replays.complete(key, entry, *response)
	return response
}

func (r *RPCRouter) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, asRPCError(err))
	}
	return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// Methods returns registered method names, sorted
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: codeFor(err), Message: err.Error()}
}

// idempotencyCacheKey scopes a key to its client; HTTP callers share the
// empty client id
func idempotencyCacheKey(clientID, method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return clientID + "/" + method + ":" + idempotencyKey
}

type replayEntry struct {
	done      chan struct{}
	response  RPCResponse
	expiresAt time.Time
}

// replayCache holds in-flight and completed responses by idempotency key
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*replayEntry
	now     func() time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{
		ttl:     ttl,
		entries: make(map[string]*replayEntry),
		now:     time.Now,
	}
}

// claim returns the entry for key. The caller owns a new entry and must
// complete it.
func (c *replayCache) claim(key string) (*replayEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}

	if e, ok := c.entries[key]; ok {
		return e, false
	}
	e := &replayEntry{done: make(chan struct{})}
	c.entries[key] = e
	return e, true
}

func (c *replayCache) complete(key string, e *replayEntry, response RPCResponse) {
	c.mu.Lock()
	e.response = cloneRPCResponse(response)
	if response.Error != nil {
		delete(c.entries, key)
	} else {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Unlock()
	close(e.done)
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	cloned := RPCResponse{ID: src.ID, Result: src.Result, JSONRPC: src.JSONRPC}
	if src.Error != nil {
		errCopy := *src.Error
		cloned.Error = &errCopy
	}
	return cloned
}

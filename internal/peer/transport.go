package peer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/datafold/datafold/internal/bus"
	"github.com/datafold/datafold/internal/engine"
)

// QueryPayload is the JSON body carried by an OpQuery envelope.
type QueryPayload struct {
	Schema string          `json:"schema"`
	Fields []string        `json:"fields"`
	Filter *engine.Filter  `json:"filter,omitempty"`
}

// MutatePayload is the JSON body carried by an OpMutate envelope.
type MutatePayload struct {
	Schema string                 `json:"schema"`
	Type   engine.MutationType    `json:"mutation_type"`
	Fields map[string]interface{} `json:"fields"`
}

// Server exposes this node's query/mutation engine to peers over HTTP,
// authenticating every query and mutate request's signed envelope and
// computing the caller's trust distance from this node's trust graph.
// The discover endpoint takes no envelope and is not authenticated.
type Server struct {
	id     *Identity
	trust  *TrustGraph
	nonces *NonceCache
	engine *engine.Engine
	bus    *bus.Bus
	logger *slog.Logger
	router chi.Router
}

// NewServer builds a Server wired to eng and trust: a chi router with
// RequestID, RealIP, Recoverer, and a 30s Timeout middleware in front of
// the signed-envelope query and mutate endpoints and the unsigned
// discover endpoint. eventBus may be nil, in which
// case auth-failure and remote-decision events are simply not published.
func NewServer(id *Identity, trust *TrustGraph, eng *engine.Engine, eventBus *bus.Bus, logger *slog.Logger) *Server {
	s := &Server{id: id, trust: trust, nonces: NewNonceCache(), engine: eng, bus: eventBus, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/peer/query", s.handleQuery)
	r.Post("/peer/mutate", s.handleMutate)
	r.Get("/peer/discover", s.handleDiscover)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) publish(ev bus.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Publisher = "peer"
	s.bus.Publish(ev)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*Envelope, int, bool) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
		s.publish(bus.Event{Type: bus.EventAuthFailure, Payload: bus.AuthFailurePayload{RemoteAddr: r.RemoteAddr, Reason: err.Error()}})
		return nil, 0, false
	}
	if err := env.Verify(); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		s.publish(bus.Event{Type: bus.EventAuthFailure, Payload: bus.AuthFailurePayload{RemoteAddr: r.RemoteAddr, Reason: err.Error()}})
		return nil, 0, false
	}
	if err := s.nonces.Check(env.Nonce, env.Timestamp); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		s.publish(bus.Event{Type: bus.EventAuthFailure, Payload: bus.AuthFailurePayload{RemoteAddr: r.RemoteAddr, Reason: err.Error()}})
		return nil, 0, false
	}
	distance := s.trust.DistanceOfOrDefault(env.PubKey)
	return &env, distance, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	env, distance, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var p QueryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.engine.Query(r.Context(), engine.Query{
		Schema: p.Schema, Fields: p.Fields, Filter: p.Filter,
		Auth: engine.Auth{PubKey: publicKeyString(env.PubKey), TrustDistance: distance},
	})
	s.publishDecision(bus.EventRemoteQueryDecision, p.Schema, env.PubKey, err)
	writeJSONResult(w, result, err)
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	env, distance, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var p MutatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.engine.Mutate(r.Context(), engine.Mutation{
		Schema: p.Schema, Type: p.Type, Fields: p.Fields,
		Auth: engine.Auth{PubKey: publicKeyString(env.PubKey), TrustDistance: distance},
	})
	s.publishDecision(bus.EventRemoteMutateDecision, p.Schema, env.PubKey, err)
	writeJSONResult(w, struct{ OK bool }{err == nil}, err)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSONResult(w, s.trust.DiscoverNodes(), nil)
}

// publishDecision records the outcome of a remote caller's query or
// mutation for audit purposes, whether it succeeded or failed. Allowed is
// true only when the engine returned no error; any error, not only a
// permission denial, is recorded as not allowed.
func (s *Server) publishDecision(eventType bus.EventType, schema string, pubKey ed25519.PublicKey, err error) {
	payload := bus.RemoteDecisionPayload{Schema: schema, PubKey: publicKeyString(pubKey), Allowed: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	s.publish(bus.Event{Type: eventType, Payload: payload})
}

func writeJSONResult(w http.ResponseWriter, v interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(statusFor(err))
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the server, blocking until ctx is canceled or it fails.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.id.Address, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("peer transport listening", slog.String("address", s.id.Address))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

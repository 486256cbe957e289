package surrealcollab

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/surrealdb/surrealcollab/pkg/auth"
	"github.com/surrealdb/surrealcollab/pkg/hub"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
	"github.com/surrealdb/surrealcollab/pkg/session"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"golang.org/x/time/rate"
)

const eventBuffer = 1024

// server is everything Run starts, so tests can drive it with httptest.
type server struct {
	registry *session.Registry
	hub      *hub.Hub
	verifier auth.Verifier
	router   *mux.Router
	events   chan session.Event
	done     chan struct{}
}

func (a *App) newServer() *server {
	c := a.config
	var verifier auth.Verifier = auth.Anonymous{}
	if c.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(c.JWTSecret)
	} else {
		a.log.Warn("no JWT secret configured, accepting anonymous connections")
	}

	events := make(chan session.Event, eventBuffer)
	registry := session.NewRegistry(a.store, session.Config{
		Reconciler: reconciler.Config{
			Debounce:     c.Debounce,
			MaxStaleness: c.MaxStaleness,
			SaveTimeout:  c.SaveTimeout,
		},
		AwarenessTimeout: c.AwarenessTimeout,
		FlushTimeout:     c.FlushTimeout,
		Logger:           a.log,
		Events:           events,
	})
	h := hub.New(registry, verifier, auth.AllowAll{}, hub.Config{
		SendQueueSize:  c.SendQueueSize,
		PongTimeout:    c.PongTimeout,
		MaxMessageSize: c.MaxMessageSize,
		AllowedOrigins: c.AllowedOrigins,
		UpgradeRate:    rate.Limit(c.UpgradeRate),
		UpgradeBurst:   c.UpgradeBurst,
		MessageRate:    rate.Limit(c.MessageRate),
		MessageBurst:   c.MessageBurst,
	}, a.log)

	srv := &server{registry: registry, hub: h, verifier: verifier, events: events, done: make(chan struct{})}
	srv.router = a.routes(srv)
	go a.logEvents(srv)
	return srv
}

// Run serves the collaboration endpoints until ctx is cancelled, then closes every
// connection and flushes every open document before returning.
//
// # Endpoints
//
//	GET  /ws/{documentID}                      - Websocket sync (subprotocols collab.cbor, collab.json)
//	GET  /api/documents                        - Documents with a live session
//	GET  /api/documents/{documentID}/content   - Last saved content of a document
//	GET  /api/health                           - Service health status
//	GET  /api/admin/mode                       - Store mode and read-only state
//	POST /api/admin/mode                       - Change the mirror mode or read-only state
//
// Document ids are UUIDs. Websocket clients authenticate with a bearer token in
// the Authorization header or the token query parameter. With a JWT secret set the
// admin endpoints need a valid token too.
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	srv := a.newServer()

	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		_ = srv.shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", a.config.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()
	a.log.Info("starting server", "addr", a.Addr(), "store", a.config.Store, "debounce", a.config.Debounce.String())

	httpServer := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down server")
	case runErr = <-serverErr:
		a.log.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by http.Server; the hub
	// closes them.
	err = errors.Join(runErr, httpServer.Shutdown(shutdownCtx), srv.shutdown(shutdownCtx))
	a.log.Info("server stopped")
	return err
}

// shutdown closes the websocket connections, then flushes every open document.
func (s *server) shutdown(ctx context.Context) error {
	hubErr := s.hub.Shutdown(ctx)
	regErr := s.registry.Close()
	close(s.events)
	<-s.done
	return errors.Join(hubErr, regErr)
}

func (a *App) logEvents(s *server) {
	defer close(s.done)
	for ev := range s.events {
		switch ev.Kind {
		case session.OperationApplied:
			a.log.Debug("operations applied", "document", ev.DocumentID, "client", ev.ClientID, "count", len(ev.Operations), "vector", ev.StateVector.String())
		case session.PresenceChanged:
			a.log.Debug("presence changed", "document", ev.DocumentID, "client", ev.ClientID, "present", ev.Awareness != nil)
		case session.SnapshotSaved:
			a.log.Debug("snapshot saved", "document", ev.DocumentID, "vector", ev.StateVector.String(), "pruned", ev.Pruned)
		}
	}
}

func (a *App) routes(s *server) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/ws/{"+hub.DocumentIDVar+"}", s.hub).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", a.handleHealth(s)).Methods(http.MethodGet)
	api.HandleFunc("/documents", a.handleListDocuments(s)).Methods(http.MethodGet)
	api.HandleFunc("/documents/{"+hub.DocumentIDVar+"}/content", a.handleContent(store.NewReadOnlyStore(a.store, store.AlwaysReadOnly))).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	if a.config.JWTSecret != "" {
		admin.Use(a.requireToken(s.verifier))
	}
	admin.HandleFunc("/mode", a.handleGetMode).Methods(http.MethodGet)
	admin.HandleFunc("/mode", a.handleSetMode).Methods(http.MethodPost)

	router.HandleFunc("/health", a.handleHealth(s)).Methods(http.MethodGet)
	return router
}

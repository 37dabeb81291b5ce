// Package api serves the simulation core over HTTP.
// GET endpoints are public (read-only observation).
// Mutating endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/firehose"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
	"github.com/talgya/starmacro/internal/metrics"
	"github.com/talgya/starmacro/internal/persistence"
)

// Server serves a simulation over HTTP.
type Server struct {
	Core     *engine.Local
	Driver   *engine.Driver       // Nil in batch runs.
	Journal  *persistence.Journal // Nil disables trade history.
	Hub      *firehose.Hub        // Nil disables the WebSocket firehose.
	Port     int
	AdminKey string // Bearer token for mutating endpoints. Empty = disabled.

	DayLength       time.Duration // Base real-time day length that speed scales.
	OrdersPerMinute int           // Per-client order submissions. Zero means 600.

	orders *RateLimiter
	mu     sync.Mutex
	speed  float64
}

// Wire bodies shared with Client.
type (
	gidBody     struct{ GID entity.GID `json:"gid"` }
	liveBody    struct{ Live bool `json:"live"` }
	timeBody    struct{ Time clock.Time `json:"time"` }
	deltaBody   struct{ Delta clock.Time `json:"delta"` }
	modeBody    struct{ Mode clock.Mode `json:"mode"` }
	eventIDBody struct{ ID event.ID `json:"id"` }
	orderIDBody struct{ ID market.OrderID `json:"id"` }
	okBody      struct{ OK bool `json:"ok"` }

	jitterBody struct {
		GID      entity.GID `json:"gid"`
		Interval clock.Time `json:"interval"`
		Offset   clock.Time `json:"offset,omitempty"`
	}
	drainBody struct {
		Until      clock.Time `json:"until"`
		MaxEvents  int        `json:"max_events,omitempty"`
		MaxElapsed string     `json:"max_elapsed,omitempty"`
	}
	processedBody struct {
		Processed int  `json:"processed"`
		Exhausted bool `json:"exhausted,omitempty"`
	}
	amendBody struct {
		Price    ledger.Money `json:"price"`
		Quantity int64        `json:"quantity"`
	}
	bookBody struct {
		Location  entity.GID       `json:"location,omitempty"`
		Commodity ledger.Commodity `json:"commodity"`
		Bid       engine.Quote     `json:"bid"`
		Offer     engine.Quote     `json:"offer"`
		Bids      []market.Level   `json:"bids"`
		Asks      []market.Level   `json:"asks"`
	}
)

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	if s.orders == nil {
		rate := s.OrdersPerMinute
		if rate == 0 {
			rate = 600
		}
		s.orders = NewRateLimiter(rate, time.Minute)
	}
	s.mu.Lock()
	if s.speed == 0 {
		s.speed = 1
	}
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public observation.
		r.Get("/status", s.handleStatus)
		r.Get("/now", s.handleNow)
		r.Get("/events", s.handleEvents)
		r.Get("/entities/{gid}", s.handleEntity)
		r.Get("/entities/{gid}/live", s.handleLive)
		r.Get("/markets/{commodity}", s.handleBook)
		r.Get("/markets/{commodity}/bid", s.handleQuote(true))
		r.Get("/markets/{commodity}/offer", s.handleQuote(false))
		r.Get("/trades", s.handleTrades)
		r.Get("/queries", s.handleQueries)
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		// Control plane.
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/entities", s.handleCreate)
			r.Delete("/entities/{gid}", s.handleMarkDead)
			r.Post("/clock/advance", s.handleAdvance)
			r.Post("/clock/jitter", s.handleJitter)
			r.Post("/clock/mode", s.handleMode)
			r.Post("/pause", s.handlePause(true))
			r.Post("/resume", s.handlePause(false))
			r.Post("/speed", s.handleSpeed)
			r.Post("/events", s.handleSchedule)
			r.Delete("/events/{id}", s.handleCancelEvent)
			r.Post("/drain", s.handleDrain)
			r.With(s.rateLimited).Post("/orders", s.handlePlace)
			r.Delete("/orders/{id}", s.handleCancelOrder)
			r.Patch("/orders/{id}", s.handleAmend)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.Port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of extra allowed origins.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly requires the bearer token.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeError(w, "admin endpoints disabled (no MACROSIM_API_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return RateLimitMiddleware(s.orders, next.ServeHTTP)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var sum engine.Summary
	var quarantined map[entity.GID]string
	s.Core.Do(func(sim *engine.Simulation) {
		sum = sim.Summary()
		quarantined = sim.Quarantined()
	})
	s.mu.Lock()
	speed := s.speed
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"name":        "macrosim",
		"summary":     sum,
		"speed":       speed,
		"realtime":    s.Driver != nil,
		"quarantined": quarantined,
	})
}

func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	now, err := s.Core.Now(r.Context())
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, timeBody{Time: now})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	var out []engine.Notable
	s.Core.Do(func(sim *engine.Simulation) {
		ev := sim.Events
		if len(ev) > limit {
			ev = ev[len(ev)-limit:]
		}
		out = append(out, ev...)
	})
	writeJSON(w, out)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	gid, ok := uintParam(w, r, "gid")
	if !ok {
		return
	}
	view, err := s.Core.Resolve(r.Context(), entity.GID(gid))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	gid, ok := uintParam(w, r, "gid")
	if !ok {
		return
	}
	live, err := s.Core.IsLive(r.Context(), entity.GID(gid))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, liveBody{Live: live})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	c := ledger.Commodity(chi.URLParam(r, "commodity"))
	depth := 10
	if v, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil {
		depth = v
	}
	v := market.At(c)
	if loc := r.URL.Query().Get("location"); loc != "" {
		n, err := strconv.ParseUint(loc, 10, 64)
		if err != nil {
			writeError(w, "invalid location", http.StatusBadRequest)
			return
		}
		v.Location = entity.GID(n)
	}
	var body bookBody
	var err error
	s.Core.Do(func(sim *engine.Simulation) {
		var b *market.Book
		if b, err = sim.Market.BookAt(v); err != nil {
			return
		}
		body.Location, body.Commodity = v.Location, c
		body.Bid.Location, body.Offer.Location = v.Location, v.Location
		body.Bid.Commodity, body.Offer.Commodity = c, c
		body.Bid.Price, body.Bid.OK = b.BestBid()
		body.Offer.Price, body.Offer.OK = b.BestOffer()
		body.Bids, body.Asks = b.Depth(depth)
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, body)
}

func (s *Server) handleQuote(bid bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := ledger.Commodity(chi.URLParam(r, "commodity"))
		var q engine.Quote
		var err error
		if bid {
			q, err = s.Core.BestBid(r.Context(), c)
		} else {
			q, err = s.Core.BestOffer(r.Context(), c)
		}
		if err != nil {
			writeCoreError(w, err)
			return
		}
		writeJSON(w, q)
	}
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	var qs []engine.Query
	s.Core.Do(func(sim *engine.Simulation) { qs = sim.Queries() })
	writeJSON(w, qs)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, "trade journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if err := s.Journal.Flush(); err != nil {
		slog.Warn("journal flush failed", "error", err)
	}
	trades, err := s.Journal.Trades(ledger.Commodity(r.URL.Query().Get("commodity")), limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, trades)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec engine.EntitySpec
	if !decode(w, r, &spec) {
		return
	}
	gid, err := s.Core.Create(r.Context(), spec)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	slog.Info("entity created via api", "gid", gid, "kind", spec.Kind)
	writeJSONStatus(w, http.StatusCreated, gidBody{GID: gid})
}

func (s *Server) handleMarkDead(w http.ResponseWriter, r *http.Request) {
	gid, ok := uintParam(w, r, "gid")
	if !ok {
		return
	}
	if err := s.Core.MarkDead(r.Context(), entity.GID(gid)); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req deltaBody
	if !decode(w, r, &req) {
		return
	}
	n, err := s.Core.Advance(r.Context(), req.Delta)
	s.writeProcessed(w, n, err)
}

func (s *Server) handleJitter(w http.ResponseWriter, r *http.Request) {
	var req jitterBody
	if !decode(w, r, &req) {
		return
	}
	off, err := s.Core.ScheduleWithJitter(r.Context(), req.GID, req.Interval)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	req.Offset = off
	writeJSON(w, req)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeBody
	if !decode(w, r, &req) {
		return
	}
	if err := s.Core.SetMode(r.Context(), req.Mode); err != nil {
		writeCoreError(w, err)
		return
	}
	slog.Info("clock mode changed", "mode", req.Mode.String())
	writeJSON(w, req)
}

func (s *Server) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if pause {
			err = s.Core.Pause(r.Context())
		} else {
			err = s.Core.Resume(r.Context())
		}
		if err != nil {
			writeCoreError(w, err)
			return
		}
		slog.Info("clock paused", "paused", pause)
		writeJSON(w, map[string]bool{"paused": pause})
	}
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Speed < 0 || req.Speed > 1000 {
		writeError(w, "speed must be 0-1000", http.StatusBadRequest)
		return
	}
	if s.Driver == nil {
		writeError(w, "speed applies to real-time runs only", http.StatusConflict)
		return
	}
	s.mu.Lock()
	s.Driver.SetSpeed(s.DayLength, req.Speed)
	s.speed = req.Speed
	s.mu.Unlock()
	slog.Info("speed changed", "speed", req.Speed)
	writeJSON(w, map[string]float64{"speed": req.Speed})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var spec engine.EventSpec
	if !decode(w, r, &spec) {
		return
	}
	id, err := s.Core.Schedule(r.Context(), spec)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, eventIDBody{ID: id})
}

func (s *Server) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	cancelled, err := s.Core.Cancel(r.Context(), event.ID(id))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, okBody{OK: cancelled})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	var req drainBody
	if !decode(w, r, &req) {
		return
	}
	budget := event.Budget{MaxEvents: req.MaxEvents}
	if req.MaxElapsed != "" {
		d, err := time.ParseDuration(req.MaxElapsed)
		if err != nil {
			writeError(w, "invalid max_elapsed", http.StatusBadRequest)
			return
		}
		budget.MaxElapsed = d
	}
	n, err := s.Core.DrainUpTo(r.Context(), req.Until, budget)
	s.writeProcessed(w, n, err)
}

func (s *Server) writeProcessed(w http.ResponseWriter, n int, err error) {
	switch {
	case errors.Is(err, event.ErrBudgetExhausted):
		writeJSON(w, processedBody{Processed: n, Exhausted: true})
	case err != nil:
		writeCoreError(w, err)
	default:
		writeJSON(w, processedBody{Processed: n})
	}
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.Core.PlaceOrder(r.Context(), req)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, orderIDBody{ID: id})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	cancelled, err := s.Core.CancelOrder(r.Context(), market.OrderID(id))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, okBody{OK: cancelled})
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	var req amendBody
	if !decode(w, r, &req) {
		return
	}
	amended, err := s.Core.AmendOrder(r.Context(), market.OrderID(id), req.Price, req.Quantity)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, okBody{OK: amended})
}

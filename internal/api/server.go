// Package api exposes the paper-trading engine over HTTP (REST, plus event
// streams as server-sent events or WebSocket frames) and gRPC.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
	"papertrade/internal/store"
)

// Quotes provides the latest tick for every known symbol.
type Quotes interface {
	Snapshot() []domain.Tick
}

// Options configures a Server. Empty addresses disable the listener.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Archive  *store.ParquetArchive // nil disables order export
	Logger   *slog.Logger
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	engine   *engine.Engine
	quotes   Quotes
	gate     engine.MarketGate
	archive  *store.ParquetArchive
	log      *slog.Logger
	httpAddr string
	grpcAddr string
}

// NewServer creates a new Server in front of e.
func NewServer(e *engine.Engine, quotes Quotes, gate engine.MarketGate, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if gate == nil {
		gate = engine.AlwaysOpen{}
	}
	return &Server{
		engine:   e,
		quotes:   quotes,
		gate:     gate,
		archive:  opts.Archive,
		log:      log.With("component", "api"),
		httpAddr: opts.HTTPAddr,
		grpcAddr: opts.GRPCAddr,
	}
}

// RegisterRoutes registers all REST routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/orders", s.handleOrderHistory)
	mux.HandleFunc("POST /api/orders/archive", s.handleArchiveOrders)
	mux.HandleFunc("PUT /api/positions/{symbol}/stop-loss", s.handleSetStopLoss)
	mux.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	mux.HandleFunc("POST /api/account/reset", s.handleResetAccount)
	mux.HandleFunc("GET /api/prices", s.handlePrices)
	mux.HandleFunc("GET /api/symbols", s.handleSearchSymbols)
	mux.HandleFunc("GET /api/market", s.handleMarket)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns an http.Handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(corsMiddleware(mux))
}

// RegisterGRPC registers the event stream service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	NewEventService(s.engine.Events(), s.log).Register(gs)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.httpAddr != "" {
		httpSrv := &http.Server{
			Addr:              s.httpAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			// Long-lived event streams end with the server context.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			s.log.Info("http listening", "addr", s.httpAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.grpcAddr, err)
		}
		gs := grpc.NewServer()
		s.RegisterGRPC(gs)
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", s.grpcAddr)
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.Stop()
			return nil
		})
	}

	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket handshake take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "user", r.Header.Get(userHeader), "elapsed", time.Since(start))
	})
}

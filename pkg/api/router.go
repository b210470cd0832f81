package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
	"github.com/nimbusfed/nimbus/pkg/transports/peer"
)

// Identity headers set by the authenticating proxy in front of the API.
const (
	HeaderUser             = "X-Nimbus-User"
	HeaderUserName         = "X-Nimbus-User-Name"
	HeaderIdentityProvider = "X-Nimbus-Identity-Provider"
)

// OrderService is the local facade as seen by the API.
type OrderService interface {
	CreateOrder(ctx context.Context, user engine.SystemUser, order *engine.Order) (string, error)
	GetOrder(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) (*engine.Order, error)
	GetInstance(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) (*engine.InstanceView, error)
	DeleteOrder(ctx context.Context, user engine.SystemUser, orderType engine.OrderType, id string) error
	ListOrders(ctx context.Context, user engine.SystemUser, orderType engine.OrderType) ([]engine.OrderSummary, error)
	GetUserQuota(ctx context.Context, user engine.SystemUser, providerID, cloudName string) (*engine.Quota, error)
}

// HistoryReader returns the state changes recorded for an order.
type HistoryReader interface {
	ListStateChanges(ctx context.Context, orderID string) ([]*engine.StateChange, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures the API handler.
type Options struct {
	// LocalProvider is the identity provider assumed when a request names none.
	LocalProvider string

	Orders OrderService

	// History serves order state histories. May be nil.
	History HistoryReader

	// Health is checked by /healthz. May be nil.
	Health HealthChecker

	// Metrics is served at /metrics. May be nil.
	Metrics *telemetry.Metrics

	// Peer, when set, is served at the peer stanza path.
	Peer http.Handler

	Logger zerolog.Logger
}

// Handlers serves the HTTP API.
type Handlers struct {
	opts   Options
	logger zerolog.Logger
}

type userKey struct{}

// NewRouter builds the API router.
func NewRouter(opts Options) http.Handler {
	h := &Handlers{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Peer != nil {
		r.Handle(peer.StanzaPath, opts.Peer)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireIdentity)

		r.Get("/quota", h.apiGetQuota)
		r.Get("/orders", h.apiListOrders)
		r.Route("/orders/{type}", func(r chi.Router) {
			r.Use(requireOrderType)
			r.Get("/", h.apiListOrders)
			r.Post("/", h.apiCreateOrder)
			r.Get("/{id}", h.apiGetOrder)
			r.Delete("/{id}", h.apiDeleteOrder)
			r.Get("/{id}/instance", h.apiGetInstance)
			r.Get("/{id}/history", h.apiOrderHistory)
		})
	})

	return r
}

// NewServer wraps the router in an http.Server.
func NewServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// Serve runs srv until ctx is done, then shuts it down within shutdownTimeout. Requests
// inherit the values of ctx but not its cancellation.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	if srv.BaseContext == nil {
		base := context.WithoutCancel(ctx)
		srv.BaseContext = func(net.Listener) context.Context { return base }
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requireIdentity rejects requests without a user and stores the user in the context.
func (h *Handlers) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := engine.SystemUser{
			ID:               r.Header.Get(HeaderUser),
			Name:             r.Header.Get(HeaderUserName),
			IdentityProvider: r.Header.Get(HeaderIdentityProvider),
		}
		if user.ID == "" {
			h.jsonError(w, "missing "+HeaderUser+" header", http.StatusUnauthorized)
			return
		}
		if user.IdentityProvider == "" {
			user.IdentityProvider = h.opts.LocalProvider
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) engine.SystemUser {
	user, _ := r.Context().Value(userKey{}).(engine.SystemUser)
	return user
}

// requireOrderType answers 404 for unknown resource types.
func requireOrderType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if engine.OrderType(chi.URLParam(r, "type")).Validate() != nil {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}

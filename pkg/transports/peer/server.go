package peer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// RemoteService performs operations requested by other providers.
type RemoteService interface {
	CreateOrder(ctx context.Context, requestingProvider string, order *engine.Order) error
	GetOrder(ctx context.Context, requestingProvider, orderID string, requester engine.SystemUser) (*engine.RemoteOrderStatus, error)
	GetInstance(ctx context.Context, requestingProvider, orderID string, orderType engine.OrderType, requester engine.SystemUser) (*engine.Instance, error)
	DeleteOrder(ctx context.Context, requestingProvider, orderID string, orderType engine.OrderType, requester engine.SystemUser) error
	GetUserQuota(ctx context.Context, requestingProvider, cloudName string, user engine.SystemUser) (*engine.Quota, error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// LocalProvider is the provider id stanzas must be addressed to.
	LocalProvider string

	Service RemoteService

	// Credentials maps each peer's provider id to the bcrypt hash of its secret.
	Credentials map[string]string

	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// Server accepts stanzas from peer providers.
type Server struct {
	opts   ServerOptions
	logger zerolog.Logger
}

type ctxKey struct{}

// NewServer creates a stanza server.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "peer_server").Logger(),
	}
}

// CredentialsFrom collects the incoming secret hashes of the configured peers.
func CredentialsFrom(peers []Config) map[string]string {
	creds := make(map[string]string, len(peers))
	for _, p := range peers {
		creds[p.ID] = p.SecretHash
	}
	return creds
}

// Handler returns the HTTP handler serving StanzaPath.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(s.requireProvider)
		r.Post(StanzaPath, s.handleStanza)
	})
	return r
}

// requireProvider authenticates the calling provider with its shared secret.
func (s *Server) requireProvider(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provider, secret, ok := r.BasicAuth()
		if !ok || !s.checkSecret(provider, secret) {
			s.logger.Warn().Str("provider", provider).Str("remote_addr", r.RemoteAddr).Msg("Rejected peer credentials")
			w.Header().Set("WWW-Authenticate", `Basic realm="nimbus-peer"`)
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, provider)))
	})
}

func (s *Server) checkSecret(provider, secret string) bool {
	hash, ok := s.opts.Credentials[provider]
	if !ok || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func (s *Server) handleStanza(w http.ResponseWriter, r *http.Request) {
	provider, _ := r.Context().Value(ctxKey{}).(string)

	req, err := NewDecoder(http.MaxBytesReader(w, r.Body, maxStanzaSize)).Decode()
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed stanza: %v", err), http.StatusBadRequest)
		return
	}

	s.opts.Metrics.RecordPeerRequest(provider, string(req.Operation), "inbound")
	log := s.logger.With().Str("provider", provider).Str("stanza", req.ID).Str("operation", string(req.Operation)).Logger()

	var reply *Stanza
	switch {
	case req.Type != StanzaTypeRequest:
		reply = req.Fail(engine.NewInvalidParameterError(fmt.Sprintf("expected a request stanza, got %s", req.Type), nil))
	case req.From != provider:
		reply = req.Fail(engine.NewUnauthenticatedError(fmt.Sprintf("stanza from %s sent with credentials of %s", req.From, provider), nil))
	case req.To != s.opts.LocalProvider:
		reply = req.Fail(engine.NewInvalidParameterError(fmt.Sprintf("stanza addressed to %s reached %s", req.To, s.opts.LocalProvider), nil))
	default:
		body, err := s.dispatch(r.Context(), provider, req)
		if err == nil {
			reply, err = req.Reply(body)
		}
		if err != nil {
			reply = req.Fail(err)
		}
	}

	status := http.StatusOK
	if reply.Type == StanzaTypeError {
		var eb ErrorBody
		_ = reply.ParseData(&eb)
		status = eb.Kind.HTTPStatus()
		s.opts.Metrics.RecordPeerError(provider, string(req.Operation), string(eb.Kind))
		log.Debug().Str("kind", string(eb.Kind)).Str("error", eb.Message).Msg("Peer request failed")
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(status)
	if err := NewEncoder(w).Encode(reply); err != nil {
		log.Error().Err(err).Msg("Failed to write reply stanza")
	}
}

// dispatch runs the requested operation and returns the result body.
func (s *Server) dispatch(ctx context.Context, provider string, req *Stanza) (interface{}, error) {
	svc := s.opts.Service

	switch req.Operation {
	case OperationCreateOrder:
		var body CreateOrderRequest
		if err := req.ParseData(&body); err != nil {
			return nil, engine.NewInvalidParameterError("malformed create_order request", err)
		}
		if body.Order == nil {
			return nil, engine.NewInvalidParameterError("create_order carries no order", nil)
		}
		if err := svc.CreateOrder(ctx, provider, body.Order); err != nil {
			return nil, err
		}
		return nil, nil

	case OperationGetOrder:
		var body OrderRequest
		if err := req.ParseData(&body); err != nil {
			return nil, engine.NewInvalidParameterError("malformed get_order request", err)
		}
		return svc.GetOrder(ctx, provider, body.OrderID, body.Requester)

	case OperationGetInstance:
		var body OrderRequest
		if err := req.ParseData(&body); err != nil {
			return nil, engine.NewInvalidParameterError("malformed get_instance request", err)
		}
		return svc.GetInstance(ctx, provider, body.OrderID, body.OrderType, body.Requester)

	case OperationDeleteOrder:
		var body OrderRequest
		if err := req.ParseData(&body); err != nil {
			return nil, engine.NewInvalidParameterError("malformed delete_order request", err)
		}
		if err := svc.DeleteOrder(ctx, provider, body.OrderID, body.OrderType, body.Requester); err != nil {
			return nil, err
		}
		return nil, nil

	case OperationGetUserQuota:
		var body QuotaRequest
		if err := req.ParseData(&body); err != nil {
			return nil, engine.NewInvalidParameterError("malformed get_user_quota request", err)
		}
		return svc.GetUserQuota(ctx, provider, body.CloudName, body.User)

	default:
		return nil, engine.NewInvalidParameterError(fmt.Sprintf("unsupported operation %s", req.Operation), nil)
	}
}

package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// StanzaPath is where a provider accepts peer stanzas.
const StanzaPath = "/peer/v1/stanzas"

// DefaultTimeout bounds a single peer exchange.
const DefaultTimeout = 30 * time.Second

// Config describes one federated provider.
type Config struct {
	// ID is the provider id of the peer.
	ID string `yaml:"id" json:"id" validate:"required"`

	// URL is the base URL of the peer's stanza endpoint.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// Secret is presented to the peer on every request.
	Secret string `yaml:"secret" json:"-" validate:"required"`

	// SecretHash is the bcrypt hash of the secret the peer presents to us.
	SecretHash string `yaml:"secret_hash" json:"-" validate:"required"`

	// Timeout bounds a single exchange. Zero means DefaultTimeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty" validate:"gte=0"`
}

// Client speaks the peer protocol with one provider and implements engine.RemoteProvider.
type Client struct {
	local   string
	peer    Config
	http    *http.Client
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewClient creates a client sending stanzas from localProvider to the peer.
func NewClient(localProvider string, peer Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Client {
	timeout := peer.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		local:   localProvider,
		peer:    peer,
		http:    &http.Client{Timeout: timeout},
		metrics: metrics,
		logger:  logger.With().Str("component", "peer_client").Str("peer", peer.ID).Logger(),
	}
}

// ID returns the peer's provider id.
func (c *Client) ID() string {
	return c.peer.ID
}

// CreateOrder hands a new order to the peer.
func (c *Client) CreateOrder(ctx context.Context, order *engine.Order) error {
	return c.exchange(ctx, OperationCreateOrder, &CreateOrderRequest{Order: order}, nil)
}

// GetOrder returns the peer's view of the order state.
func (c *Client) GetOrder(ctx context.Context, orderID string, requester engine.SystemUser) (*engine.RemoteOrderStatus, error) {
	var status engine.RemoteOrderStatus
	if err := c.exchange(ctx, OperationGetOrder, &OrderRequest{OrderID: orderID, Requester: requester}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetInstance returns the peer's view of the order's resource.
func (c *Client) GetInstance(ctx context.Context, orderID string, orderType engine.OrderType, requester engine.SystemUser) (*engine.Instance, error) {
	var instance engine.Instance
	req := &OrderRequest{OrderID: orderID, OrderType: orderType, Requester: requester}
	if err := c.exchange(ctx, OperationGetInstance, req, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// DeleteOrder asks the peer to release the order.
func (c *Client) DeleteOrder(ctx context.Context, orderID string, orderType engine.OrderType, requester engine.SystemUser) error {
	req := &OrderRequest{OrderID: orderID, OrderType: orderType, Requester: requester}
	return c.exchange(ctx, OperationDeleteOrder, req, nil)
}

// GetUserQuota returns the user's quota at one of the peer's clouds.
func (c *Client) GetUserQuota(ctx context.Context, cloudName string, user engine.SystemUser) (*engine.Quota, error) {
	var quota engine.Quota
	if err := c.exchange(ctx, OperationGetUserQuota, &QuotaRequest{CloudName: cloudName, User: user}, &quota); err != nil {
		return nil, err
	}
	return &quota, nil
}

// exchange sends one request stanza and decodes the result into out. Error stanzas are
// turned back into classified errors; failing to reach the peer is unavailable.
func (c *Client) exchange(ctx context.Context, op Operation, body, out interface{}) error {
	c.metrics.RecordPeerRequest(c.peer.ID, string(op), "outbound")

	err := c.do(ctx, op, body, out)
	if err != nil {
		c.metrics.RecordPeerError(c.peer.ID, string(op), string(engine.KindOf(err)))
		c.logger.Debug().Err(err).Str("operation", string(op)).Msg("Peer request failed")
	}
	return err
}

func (c *Client) do(ctx context.Context, op Operation, body, out interface{}) error {
	req, err := NewRequest(op, c.local, c.peer.ID, body)
	if err != nil {
		return engine.NewUnexpectedError("failed to build stanza", err)
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(req); err != nil {
		return engine.NewUnexpectedError("failed to encode stanza", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.peer.URL, "/")+StanzaPath, &buf)
	if err != nil {
		return engine.NewUnexpectedError("failed to build peer request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson")
	httpReq.SetBasicAuth(c.local, c.peer.Secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return engine.NewUnavailableError(fmt.Sprintf("provider %s is unreachable", c.peer.ID), err).
			WithCode(engine.ErrCodePeerUnreachable)
	}
	defer resp.Body.Close()

	reply, err := NewDecoder(resp.Body).Decode()
	if err != nil {
		return c.undecodable(resp, err)
	}
	if reply.ID != req.ID {
		return engine.NewUnexpectedError(fmt.Sprintf("provider %s answered stanza %s with %s", c.peer.ID, req.ID, reply.ID), nil)
	}

	switch reply.Type {
	case StanzaTypeError:
		var eb ErrorBody
		if err := reply.ParseData(&eb); err != nil {
			return engine.NewUnexpectedError("malformed error stanza", err)
		}
		return eb.Err()
	case StanzaTypeResult:
		if out == nil {
			return nil
		}
		if err := reply.ParseData(out); err != nil {
			return engine.NewUnexpectedError("malformed result stanza", err)
		}
		return nil
	default:
		return engine.NewUnexpectedError(fmt.Sprintf("unexpected %s stanza from %s", reply.Type, c.peer.ID), nil)
	}
}

// undecodable classifies a response that carries no stanza, such as a proxy error page.
func (c *Client) undecodable(resp *http.Response, cause error) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxStanzaSize))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return engine.NewUnauthenticatedError(fmt.Sprintf("provider %s rejected our credentials", c.peer.ID), cause)
	case resp.StatusCode >= http.StatusInternalServerError:
		return engine.NewUnavailableError(fmt.Sprintf("provider %s answered %s", c.peer.ID, resp.Status), cause).
			WithCode(engine.ErrCodePeerUnreachable)
	default:
		return engine.NewUnexpectedError(fmt.Sprintf("provider %s answered %s without a stanza", c.peer.ID, resp.Status), cause)
	}
}

// Directory resolves peer clients by provider id and implements engine.PeerDirectory.
type Directory struct {
	clients map[string]*Client
}

// NewDirectory creates a client for every configured peer.
func NewDirectory(localProvider string, peers []Config, metrics *telemetry.Metrics, logger zerolog.Logger) (*Directory, error) {
	d := &Directory{clients: make(map[string]*Client, len(peers))}
	for _, p := range peers {
		if p.ID == localProvider {
			return nil, fmt.Errorf("peer %s is the local provider", p.ID)
		}
		if _, dup := d.clients[p.ID]; dup {
			return nil, fmt.Errorf("peer %s configured twice", p.ID)
		}
		d.clients[p.ID] = NewClient(localProvider, p, metrics, logger)
	}
	return d, nil
}

// Peer returns the client for the given provider.
func (d *Directory) Peer(providerID string) (engine.RemoteProvider, error) {
	c, ok := d.clients[providerID]
	if !ok {
		return nil, engine.NewInvalidParameterError(fmt.Sprintf("unknown provider %q", providerID), nil)
	}
	return c, nil
}

// Providers returns the ids of the configured peers, sorted.
func (d *Directory) Providers() []string {
	ids := make([]string, 0, len(d.clients))
	for id := range d.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var (
	_ engine.RemoteProvider = (*Client)(nil)
	_ engine.PeerDirectory  = (*Directory)(nil)
)

package peer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// StanzaType is the role of a stanza in an exchange.
type StanzaType string

const (
	// StanzaTypeRequest asks the receiving provider to perform an operation.
	StanzaTypeRequest StanzaType = "request"
	// StanzaTypeResult carries the outcome of a successful request.
	StanzaTypeResult StanzaType = "result"
	// StanzaTypeError carries the classified error of a failed request.
	StanzaTypeError StanzaType = "error"
)

// Validate checks if the stanza type is valid.
func (t StanzaType) Validate() error {
	switch t {
	case StanzaTypeRequest, StanzaTypeResult, StanzaTypeError:
		return nil
	default:
		return fmt.Errorf("invalid stanza type: %s", t)
	}
}

// Operation names a peer protocol operation.
type Operation string

const (
	OperationCreateOrder  Operation = "create_order"
	OperationGetOrder     Operation = "get_order"
	OperationGetInstance  Operation = "get_instance"
	OperationDeleteOrder  Operation = "delete_order"
	OperationGetUserQuota Operation = "get_user_quota"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationCreateOrder, OperationGetOrder, OperationGetInstance,
		OperationDeleteOrder, OperationGetUserQuota:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// Stanza is the unit exchanged between providers.
type Stanza struct {
	// ID identifies the exchange. A result or error repeats the request's id.
	ID string `json:"id"`

	Type      StanzaType `json:"type"`
	Operation Operation  `json:"operation"`

	// From is the sending provider, To the receiving one.
	From string `json:"from"`
	To   string `json:"to"`

	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate checks the stanza envelope.
func (s *Stanza) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stanza id is required")
	}
	if err := s.Type.Validate(); err != nil {
		return err
	}
	if err := s.Operation.Validate(); err != nil {
		return err
	}
	if s.From == "" || s.To == "" {
		return fmt.Errorf("stanza %s needs both from and to", s.ID)
	}
	return nil
}

// NewRequest builds a request stanza with body as its data.
func NewRequest(op Operation, from, to string, body interface{}) (*Stanza, error) {
	s := &Stanza{
		ID:        uuid.New().String(),
		Type:      StanzaTypeRequest,
		Operation: op,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
	if err := s.setData(body); err != nil {
		return nil, err
	}
	return s, nil
}

// Reply builds the result stanza answering s.
func (s *Stanza) Reply(body interface{}) (*Stanza, error) {
	r := s.answer(StanzaTypeResult)
	if err := r.setData(body); err != nil {
		return nil, err
	}
	return r, nil
}

// Fail builds the error stanza answering s.
func (s *Stanza) Fail(err error) *Stanza {
	r := s.answer(StanzaTypeError)
	// ErrorBody always marshals.
	_ = r.setData(ErrorBodyFrom(err))
	return r
}

func (s *Stanza) answer(t StanzaType) *Stanza {
	return &Stanza{
		ID:        s.ID,
		Type:      t,
		Operation: s.Operation,
		From:      s.To,
		To:        s.From,
		Timestamp: time.Now().UTC(),
	}
}

func (s *Stanza) setData(body interface{}) error {
	if body == nil {
		s.Data = nil
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	s.Data = data
	return nil
}

// ParseData decodes the stanza data into target.
func (s *Stanza) ParseData(target interface{}) error {
	if len(s.Data) == 0 {
		return fmt.Errorf("stanza %s carries no data", s.ID)
	}
	if err := json.Unmarshal(s.Data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}

// Request bodies.

// CreateOrderRequest hands an order to its owning provider.
type CreateOrderRequest struct {
	Order *engine.Order `json:"order"`
}

// OrderRequest addresses an existing order on behalf of its requester.
type OrderRequest struct {
	OrderID   string            `json:"order_id"`
	OrderType engine.OrderType  `json:"order_type,omitempty"`
	Requester engine.SystemUser `json:"requester"`
}

// QuotaRequest asks for a user's quota at a cloud.
type QuotaRequest struct {
	CloudName string            `json:"cloud_name"`
	User      engine.SystemUser `json:"user"`
}

// ErrorBody is the data of an error stanza.
type ErrorBody struct {
	Kind    engine.ErrorKind `json:"kind"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message"`
	OrderID string           `json:"order_id,omitempty"`
}

// ErrorBodyFrom classifies err for the wire.
func ErrorBodyFrom(err error) *ErrorBody {
	body := &ErrorBody{Kind: engine.KindOf(err), Message: err.Error()}
	var e *engine.EngineError
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Code = e.Code
		body.OrderID = e.OrderID
	}
	return body
}

// Err rebuilds the classified error. Unknown kinds become unexpected errors.
func (b *ErrorBody) Err() error {
	kind := b.Kind
	if kind.Validate() != nil {
		kind = engine.KindUnexpected
	}
	e := engine.NewError(kind, b.Message, nil)
	if b.Code != "" {
		e = e.WithCode(b.Code)
	}
	if b.OrderID != "" {
		e = e.WithOrder(b.OrderID)
	}
	return e
}

// Encoder writes stanzas to an io.Writer, one JSON document per line.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new stanza encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a stanza to the output stream.
func (e *Encoder) Encode(s *Stanza) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid stanza: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal stanza: %w", err)
	}

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write stanza: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// maxStanzaSize bounds a single stanza line.
const maxStanzaSize = 1 << 20

// Decoder reads stanzas from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new stanza decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStanzaSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next stanza from the input stream.
func (d *Decoder) Decode() (*Stanza, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var s Stanza
	if err := json.Unmarshal(line, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stanza: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stanza: %w", err)
	}

	return &s, nil
}

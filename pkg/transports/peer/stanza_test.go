package peer

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		stanza  *Stanza
		wantErr bool
	}{
		{
			name:   "request",
			stanza: &Stanza{ID: "s-1", Type: StanzaTypeRequest, Operation: OperationGetOrder, From: "a", To: "b"},
		},
		{
			name:   "error",
			stanza: &Stanza{ID: "s-1", Type: StanzaTypeError, Operation: OperationDeleteOrder, From: "b", To: "a"},
		},
		{
			name:    "missing id",
			stanza:  &Stanza{Type: StanzaTypeRequest, Operation: OperationGetOrder, From: "a", To: "b"},
			wantErr: true,
		},
		{
			name:    "invalid type",
			stanza:  &Stanza{ID: "s-1", Type: StanzaType("PING"), Operation: OperationGetOrder, From: "a", To: "b"},
			wantErr: true,
		},
		{
			name:    "invalid operation",
			stanza:  &Stanza{ID: "s-1", Type: StanzaTypeRequest, Operation: Operation("reboot"), From: "a", To: "b"},
			wantErr: true,
		},
		{
			name:    "missing receiver",
			stanza:  &Stanza{ID: "s-1", Type: StanzaTypeRequest, Operation: OperationGetOrder, From: "a"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := NewEncoder(&buf).Encode(tt.stanza)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Errorf("Invalid stanza should not be written, got %q", buf.String())
				}
				return
			}

			if !strings.HasSuffix(buf.String(), "\n") {
				t.Error("Stanza should be newline terminated")
			}
			var s Stanza
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &s); err != nil {
				t.Fatalf("Output is not valid JSON: %v", err)
			}
			if s.Type != tt.stanza.Type || s.Operation != tt.stanza.Operation {
				t.Errorf("Decoded %s/%s, want %s/%s", s.Type, s.Operation, tt.stanza.Type, tt.stanza.Operation)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		op      Operation
	}{
		{
			name:  "request",
			input: `{"id":"s-1","type":"request","operation":"get_user_quota","from":"a","to":"b","timestamp":"2026-01-01T00:00:00Z","data":{"cloud_name":"default"}}`,
			op:    OperationGetUserQuota,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty line",
			input:   ``,
			wantErr: true,
		},
		{
			name:    "unknown operation",
			input:   `{"id":"s-1","type":"request","operation":"reboot","from":"a","to":"b"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && s.Operation != tt.op {
				t.Errorf("Operation = %s, want %s", s.Operation, tt.op)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	if _, err := NewDecoder(strings.NewReader("")).Decode(); err != io.EOF {
		t.Errorf("Decode() on empty input = %v, want io.EOF", err)
	}
}

func TestDecoderMultipleStanzas(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, op := range []Operation{OperationCreateOrder, OperationDeleteOrder} {
		s, err := NewRequest(op, "a", "b", nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := enc.Encode(s); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	first, err := dec.Decode()
	if err != nil || first.Operation != OperationCreateOrder {
		t.Fatalf("first stanza = %+v, %v", first, err)
	}
	second, err := dec.Decode()
	if err != nil || second.Operation != OperationDeleteOrder {
		t.Fatalf("second stanza = %+v, %v", second, err)
	}
	if first.ID == second.ID {
		t.Error("Requests should get distinct ids")
	}
}

func TestReplyAndFail(t *testing.T) {
	req, err := NewRequest(OperationGetUserQuota, "provider-a", "provider-b", &QuotaRequest{
		CloudName: "default",
		User:      engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	var q QuotaRequest
	if err := req.ParseData(&q); err != nil || q.CloudName != "default" || q.User.ID != "alice" {
		t.Fatalf("ParseData() = %+v, %v", q, err)
	}

	reply, err := req.Reply(&engine.Quota{})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if reply.ID != req.ID || reply.Type != StanzaTypeResult {
		t.Errorf("Reply should answer %s with a result, got %s %s", req.ID, reply.ID, reply.Type)
	}
	if reply.From != "provider-b" || reply.To != "provider-a" {
		t.Errorf("Reply should swap from and to, got %s -> %s", reply.From, reply.To)
	}

	failed := req.Fail(engine.NewNotFoundError("no such order", nil).WithOrder("o-1").WithCode("X"))
	if failed.Type != StanzaTypeError || failed.ID != req.ID {
		t.Errorf("Fail should answer %s with an error, got %s %s", req.ID, failed.ID, failed.Type)
	}
	var eb ErrorBody
	if err := failed.ParseData(&eb); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if eb.Kind != engine.KindNotFound || eb.Message != "no such order" || eb.OrderID != "o-1" || eb.Code != "X" {
		t.Errorf("Unexpected error body %+v", eb)
	}
}

func TestParseDataWithoutData(t *testing.T) {
	s := &Stanza{ID: "s-1"}
	var out map[string]interface{}
	if err := s.ParseData(&out); err == nil {
		t.Error("Expected error for stanza without data")
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind engine.ErrorKind
	}{
		{"classified", engine.NewQuotaExceededError("no room", nil), engine.KindQuotaExceeded},
		{"wrapped", engine.Wrap(engine.NewUnavailableError("down", nil), "ignored"), engine.KindUnavailable},
		{"plain", io.ErrUnexpectedEOF, engine.KindUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorBodyFrom(tt.err).Err()
			if engine.KindOf(got) != tt.kind {
				t.Errorf("kind = %s, want %s", engine.KindOf(got), tt.kind)
			}
		})
	}

	bogus := (&ErrorBody{Kind: "exploded", Message: "?"}).Err()
	if !engine.IsUnexpected(bogus) {
		t.Errorf("Unknown kinds should become unexpected, got %v", bogus)
	}
}

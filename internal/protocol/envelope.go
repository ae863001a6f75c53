package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Field names shared by requests and responses.
const (
	FieldAction     = "action"
	FieldNonce      = "nonce"
	FieldQueryNonce = "queryNonce"
	FieldAccept     = "accept"
	FieldToken      = "token"
)

// Actions issued by the protocol engine itself.
const (
	ActionAuthenticate     = "authenticate"
	ActionTransactResponse = "transact_response"
)

// Push types that are special-cased ahead of named events.
const (
	TypeBlockUpdate = "block update"
	TypeTransact    = "transact"
)

// Token is a correlation id. It accepts JSON strings and numbers.
type Token string

// TokenFromCounter renders a sequence counter value as a token.
func TokenFromCounter(n uint64) Token {
	return Token(strconv.FormatUint(n, 10))
}

func (t *Token) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Token(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("token must be a string or number: %w", err)
	}
	*t = Token(n.String())
	return nil
}

// Payload holds the action-specific fields of a request.
type Payload map[string]any

// Action returns the payload's action name, if any.
func (p Payload) Action() string {
	s, _ := p[FieldAction].(string)
	return s
}

// EncodeRequest serializes payload with the nonce attached. The payload
// itself is left untouched.
func EncodeRequest(p Payload, nonce Token) ([]byte, error) {
	env := make(map[string]any, len(p)+1)
	for k, v := range p {
		env[k] = v
	}
	env[FieldNonce] = string(nonce)
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// Position is a block coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Params returns the position as request fields.
func (p Position) Params() Payload {
	return Payload{"x": p.X, "y": p.Y, "z": p.Z}
}

// Block is a block descriptor. Servers send either a bare id string
// ("minecraft:stone") or an object; Name is filled in both cases when
// possible and Raw keeps the original JSON.
type Block struct {
	Name string
	Raw  json.RawMessage
}

// ParseBlock decodes a block descriptor. It returns nil for an absent or null value.
func ParseBlock(raw json.RawMessage) *Block {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	b := &Block{Raw: raw}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		b.Name = name
		return b
	}
	var obj struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		b.Name = obj.Name
		if b.Name == "" {
			b.Name = obj.ID
		}
	}
	return b
}

// Envelope is the union of every inbound field this client understands.
type Envelope struct {
	Nonce   Token  `json:"nonce,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Event string `json:"event,omitempty"`
	Type  string `json:"type,omitempty"`

	Cause      string          `json:"cause,omitempty"`
	Block      json.RawMessage `json:"block,omitempty"`
	X          *int            `json:"x,omitempty"`
	Y          *int            `json:"y,omitempty"`
	Z          *int            `json:"z,omitempty"`
	Query      string          `json:"query,omitempty"`
	Amount     float64         `json:"amount,omitempty"`
	Player     string          `json:"player,omitempty"`
	PlayerUUID string          `json:"player_uuid,omitempty"`
	QueryNonce Token           `json:"queryNonce,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	env.Raw = json.RawMessage(data)
	return &env, nil
}

// HasMarker reports whether the frame names an event or push type.
func (e *Envelope) HasMarker() bool {
	return e.Event != "" || e.Type != ""
}

// Position returns the frame's coordinates, or nil if none were sent.
func (e *Envelope) Position() *Position {
	if e.X == nil && e.Y == nil && e.Z == nil {
		return nil
	}
	var p Position
	if e.X != nil {
		p.X = *e.X
	}
	if e.Y != nil {
		p.Y = *e.Y
	}
	if e.Z != nil {
		p.Z = *e.Z
	}
	return &p
}

// Failure returns the classified error carried by a failed response.
func (e *Envelope) Failure() *Error {
	return NewError(Kind(e.Error), e.Message)
}

// Response returns the frame as a successful response.
func (e *Envelope) Response() *Response {
	return &Response{Nonce: e.Nonce, Raw: e.Raw}
}

// Response is a successful reply to a request. It keeps the full frame so
// callers can project whatever result fields their action returns.
type Response struct {
	Nonce Token
	Raw   json.RawMessage
}

// Decode unmarshals the whole response into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// ErrNoField is returned by Field when the response lacks the field.
var ErrNoField = errors.New("response has no field")

// Field unmarshals a single top-level field into v.
func (r *Response) Field(name string, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &fields); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoField, name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode field %q: %w", name, err)
	}
	return nil
}

// String projects a string field.
func (r *Response) String(name string) (string, error) {
	var s string
	err := r.Field(name, &s)
	return s, err
}

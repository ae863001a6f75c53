package protocol

import "encoding/json"

// Push is an unsolicited inbound message after classification.
type Push interface {
	push()
}

// NamedEvent is any frame carrying an explicit "event" name.
type NamedEvent struct {
	Name     string
	Cause    string
	Position *Position
	Raw      json.RawMessage
}

// BlockUpdate reports that a block inside the structure changed.
type BlockUpdate struct {
	Cause    string
	Block    *Block
	Position Position
	Raw      json.RawMessage
}

// Transact is a player-initiated transaction awaiting accept or deny.
type Transact struct {
	Query      string
	Amount     float64
	Player     string
	PlayerUUID string
	Token      Token
	Raw        json.RawMessage
}

// Unrecognized carries frames with no usable marker.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (*NamedEvent) push()   {}
func (*BlockUpdate) push()  {}
func (*Transact) push()     {}
func (*Unrecognized) push() {}

// Classify turns an envelope into its push variant. Typed pushes take
// precedence over the generic "event" path.
func (e *Envelope) Classify() Push {
	switch e.Type {
	case TypeBlockUpdate:
		bu := &BlockUpdate{Cause: e.Cause, Block: ParseBlock(e.Block), Raw: e.Raw}
		if p := e.Position(); p != nil {
			bu.Position = *p
		}
		return bu
	case TypeTransact:
		return &Transact{
			Query:      e.Query,
			Amount:     e.Amount,
			Player:     e.Player,
			PlayerUUID: e.PlayerUUID,
			Token:      e.QueryNonce,
			Raw:        e.Raw,
		}
	}
	if e.Event != "" {
		return &NamedEvent{Name: e.Event, Cause: e.Cause, Position: e.Position(), Raw: e.Raw}
	}
	return &Unrecognized{Type: e.Type, Raw: e.Raw}
}

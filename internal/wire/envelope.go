package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types exchanged with browser sessions.
const (
	TypeAuth      = "auth"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ack"
	TypeData      = "data"
	TypeAlarm     = "alarm"
	TypeBatch     = "batch"
)

// Message types exchanged with device agents.
const (
	TypeRegister   = "register"
	TypeResult     = "result"
	TypeCommand    = "command"
	TypeCommandAck = "command_ack"
)

var (
	ErrEncode = errors.New("envelope encode failed")
	ErrDecode = errors.New("envelope decode failed")
)

// Envelope wraps every message on a socket. ID correlates a request with
// its ack.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack answers a request envelope. Rejections are acks with Success false,
// never transport errors.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func New(typ, id string, data any) (Envelope, error) {
	const fn = "Envelope:New"
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s:%w:%w", fn, ErrEncode, err)
	}
	env.Data = raw
	return env, nil
}

func NewAck(id string, ack Ack) (Envelope, error) {
	return New(TypeAck, id, ack)
}

func (e Envelope) Decode(v any) error {
	const fn = "Envelope:Decode"
	if len(e.Data) == 0 {
		return fmt.Errorf("%s:%w: empty data for %q", fn, ErrDecode, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrDecode, err)
	}
	return nil
}

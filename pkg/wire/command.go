// Package wire implements the Napcat websocket envelope: outbound
// commands tagged with an echo token, and inbound frames classified once
// into replies, events, or lifecycle noise.
package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

type Action string

const (
	ActionSendPrivateMsg      Action = "send_private_msg"
	ActionSendGroupMsg        Action = "send_group_msg"
	ActionSendGroupForwardMsg Action = "send_group_forward_msg"
	ActionGetRecord           Action = "get_record"
)

// Command is a single outbound request frame. Echo is generated fresh
// per command and never reused; replies are matched back by it.
type Command struct {
	Action Action                 `json:"action"`
	Params map[string]interface{} `json:"params"`
	Echo   string                 `json:"echo"`
}

func NewCommand(action Action, params map[string]interface{}) *Command {
	return &Command{
		Action: action,
		Params: params,
		Echo:   uuid.NewString(),
	}
}

func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses an encoded command frame back into its parts.
// Used by tests and by gateway doubles; the live inbound path goes
// through Decode instead.
func DecodeCommand(raw []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Reply is the resolved outcome of a correlated call. A timed-out call
// yields a structured reply with Status "timeout" rather than an error,
// so callers can distinguish it from a backend-reported failure.
type Reply struct {
	Status  string                 `json:"status"`
	RetCode int64                  `json:"retcode,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Echo    string                 `json:"echo,omitempty"`
}

func TimeoutReply(echo string) *Reply {
	return &Reply{Status: "timeout", Echo: echo}
}

func (r *Reply) OK() bool {
	return r != nil && r.Status == "ok"
}

func (r *Reply) TimedOut() bool {
	return r != nil && r.Status == "timeout"
}

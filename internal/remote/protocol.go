package remote

import "github.com/roach88/oire/internal/interaction"

// Wire operations exchanged over the websocket.
const (
	opWrite       = "write"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opAck         = "ack"
	opSnapshot    = "snapshot"
	opError       = "error"
)

// message is the single JSON frame type in both directions. Requests carry
// an ID the server echoes in its ack or error.
type message struct {
	Op       string                `json:"op"`
	ID       uint64                `json:"id,omitempty"`
	Write    *WriteRequest         `json:"write,omitempty"`
	ItemID   string                `json:"item_id,omitempty"`
	Kind     interaction.Kind      `json:"kind,omitempty"`
	Active   bool                  `json:"active,omitempty"`
	Snapshot *interaction.Snapshot `json:"snapshot,omitempty"`
	Error    string                `json:"error,omitempty"`
}

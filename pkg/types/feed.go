package types

// FrameType tags a change-feed frame exchanged over the /ws endpoint.
type FrameType string

// Client to server.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
)

// Server to client.
const (
	FrameSubscribed FrameType = "subscribed"
	FrameChange     FrameType = "change"
	FrameLost       FrameType = "lost"
	FrameError      FrameType = "error"
)

// ClientFrame is a control frame sent by a change-feed client. Ref is chosen
// by the client and names the subscription in every later server frame.
type ClientFrame struct {
	Type   FrameType `json:"type"`
	Ref    string    `json:"ref"`
	Table  string    `json:"table,omitempty"`
	Filter Filter    `json:"filter,omitempty"`
}

// ServerFrame is a frame pushed by the service to a change-feed client.
// Reason carries the store error token of an error frame, when there is one.
type ServerFrame struct {
	Type   FrameType    `json:"type"`
	Ref    string       `json:"ref,omitempty"`
	Event  *ChangeEvent `json:"event,omitempty"`
	Error  string       `json:"error,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

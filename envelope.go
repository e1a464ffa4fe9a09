package relay

import "time"

// Action names one operation a downstream service answers.
type Action string

const ActionGetUsers Action = "get_users"

// Route binds an action to the channel its requests go out on and the prefix
// its reply channels are derived from.
type Route struct {
	Action         Action
	RequestChannel string
	ReplyPrefix    string
}

func (r Route) valid() bool {
	return r.Action != "" && r.RequestChannel != "" && r.ReplyPrefix != ""
}

// DefaultRoutes is the route table used when none is configured.
func DefaultRoutes() []Route {
	return []Route{
		{Action: ActionGetUsers, RequestChannel: "user_requests", ReplyPrefix: "user_response"},
	}
}

// ReplyChannel derives the single-use reply channel for a correlation ID.
func ReplyChannel(prefix, correlationID string) string {
	return prefix + ":" + correlationID
}

// Envelope is the request published on a route's request channel.
// Responders must publish their reply on ReplyChannel verbatim.
type Envelope struct {
	Action        Action `json:"action"`
	CorrelationID string `json:"correlationId"`
	ReplyChannel  string `json:"replyChannel"`
}

// Reply is a resolved request. Payload is the raw reply as received; Value is
// the same payload decoded into generic structured data.
type Reply struct {
	Action        Action
	CorrelationID string
	Channel       string
	Payload       []byte
	Value         any
	Latency       time.Duration
}

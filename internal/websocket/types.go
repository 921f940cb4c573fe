package websocket

import "time"

// Event types sent to subscribers.
const (
	EventEndpoint = "endpoint"
	EventStats    = "stats"
)

// Event is one message on the live feed.
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// HubStats contains hub statistics.
type HubStats struct {
	Clients   int   `json:"clients"`
	Published int64 `json:"published"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
}

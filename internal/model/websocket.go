package model

// WebSocket message types
const (
	WSMessageTypeQueue = "queue"
	WSMessageTypeTask  = "task"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSQueueMessage carries a full queue snapshot on every queue change.
type WSQueueMessage struct {
	Type  string        `json:"type"`
	Queue QueueSnapshot `json:"queue"`
}

// WSTaskMessage carries one polling status update.
type WSTaskMessage struct {
	Type   string     `json:"type"`
	Update TaskUpdate `json:"update"`
}

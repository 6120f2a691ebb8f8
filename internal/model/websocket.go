package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage carries a fresh progress snapshot
type WSProgressMessage struct {
	Type     string           `json:"type"`
	BatchID  string           `json:"batchId"`
	Snapshot ProgressSnapshot `json:"snapshot"`
}

// WSCompleteMessage carries the final batch report
type WSCompleteMessage struct {
	Type    string      `json:"type"`
	BatchID string      `json:"batchId"`
	Report  BatchReport `json:"report"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type    string  `json:"type"`
	BatchID string  `json:"batchId"`
	Error   WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

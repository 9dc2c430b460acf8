package bus

import "time"

// MessageType enumerates the envelope kinds carried on the artifact subjects.
type MessageType string

const (
	// MessageArtifact carries a base64-encoded archive of generated files.
	MessageArtifact MessageType = "artifact"
	// MessageNoArtifacts reports that a task produced nothing to deliver.
	MessageNoArtifacts MessageType = "no-artifacts"
	// MessageError reports a packaging or delivery failure for a task.
	MessageError MessageType = "error"
	// MessageAck is sent by consumers after they have stored an artifact.
	MessageAck MessageType = "acknowledgement"
)

// Message is the wire envelope published for every task outcome. For the
// artifact kind Data holds the payload; for the error kind Text holds the
// failure description. Exactly one of the two is set on non-ack messages.
type Message struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Project   string      `json:"project,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	Data      string      `json:"data,omitempty"`
	Text      string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"ts"`
}

// NewMessage stamps an envelope of the given kind for a task.
func NewMessage(kind MessageType, taskID string) Message {
	return Message{
		Type:      kind,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

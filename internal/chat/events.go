package chat

import "encoding/json"

// StreamStatus is the status tag carried on every event published to a
// request's receiveMessage subject.
type StreamStatus string

const (
	StatusStartStream    StreamStatus = "START_STREAM"
	StatusStreaming      StreamStatus = "STREAMING"
	StatusEndStream      StreamStatus = "END_STREAM"
	StatusError          StreamStatus = "ERROR"
	StatusImagePartial   StreamStatus = "IMAGE_PARTIAL"
	StatusImageComplete  StreamStatus = "IMAGE_COMPLETE"
)

// VendorError is the structured failure shape reported by an upstream model.
type VendorError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

// StreamEvent is one unit of published output. Only the fields relevant to
// Status are populated; PublishEvent drops the rest.
type StreamEvent struct {
	Status        StreamStatus
	AIProvider    Vendor
	Text          string
	ImageURL      string
	FileID        string
	PartialIndex  int
	ResponseID    string
	RevisedPrompt string
	Error         *VendorError
}

// EventPublisher is the narrow surface the workflow and adapters need from
// the transport: fire-and-forget publish of an already-encoded payload.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

func receiveSubject(workspaceID, threadID string) string {
	return "ai.interaction.chat.receiveMessage." + workspaceID + "." + threadID
}

func errorSubject(workspaceID, threadID string) string {
	return "ai.interaction.chat.error." + workspaceID + ":" + threadID
}

// PublishEvent encodes ev in the uniform envelope
// {content:{status,aiProvider,...}, aiChatThreadId} and publishes it on the
// request's receive subject.
func PublishEvent(pub EventPublisher, workspaceID, threadID string, ev StreamEvent) error {
	content := map[string]any{
		"status":     ev.Status,
		"aiProvider": ev.AIProvider,
	}
	if ev.Text != "" {
		content["text"] = ev.Text
	}
	if ev.ImageURL != "" {
		content["imageUrl"] = ev.ImageURL
	}
	if ev.FileID != "" {
		content["fileId"] = ev.FileID
	}
	if ev.Status == StatusImagePartial {
		content["partialIndex"] = ev.PartialIndex
	}
	if ev.ResponseID != "" {
		content["responseId"] = ev.ResponseID
	}
	if ev.RevisedPrompt != "" {
		content["revisedPrompt"] = ev.RevisedPrompt
	}
	if ev.Error != nil {
		content["message"] = ev.Error.Message
		content["code"] = ev.Error.Code
		content["type"] = ev.Error.Type
	}

	envelope := map[string]any{
		"content":        content,
		"aiChatThreadId": threadID,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return pub.Publish(receiveSubject(workspaceID, threadID), data)
}

// errorReport is the payload published on the error subject.
type errorReport struct {
	Error       string `json:"error"`
	InstanceKey string `json:"instanceKey"`
	ErrorCode   string `json:"errorCode,omitempty"`
	ErrorType   string `json:"errorType,omitempty"`
}

// PublishError publishes a structured failure on the request's error
// subject. The error subject is keyed "<workspaceId>:<threadId>", matching
// the wire contract in spec §6 (distinct from the dot-separated receive
// subject).
func PublishError(pub EventPublisher, workspaceID, threadID string, message, code, errType string) error {
	report := errorReport{
		Error:       message,
		InstanceKey: string(NewInstanceKey(workspaceID, threadID)),
		ErrorCode:   code,
		ErrorType:   errType,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return pub.Publish(errorSubject(workspaceID, threadID), data)
}

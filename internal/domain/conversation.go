package domain

// MediaContent is a single piece of multi-modal turn content. Exactly one
// of the fields is meaningful per content item; Kind discriminates.
type MediaContent struct {
	Kind string `json:"kind"` // "text" | "image" | "audio" | "video"
	Text string `json:"text,omitempty"`
	// URI or base64 payload for non-text content; MIME is sniffed by the
	// Dataset Manager via mimetype when loading from disk.
	Data string `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Turn is one multi-modal message in a Conversation, plus an optional delay
// before it should be issued relative to the prior turn.
type Turn struct {
	Role          string         `json:"role,omitempty"`
	Model         string         `json:"model,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Content       []MediaContent `json:"content"`
	DelayMs       int            `json:"delay_ms,omitempty"`
}

// Conversation is a session id plus its ordered Turns. The Dataset Manager
// exclusively owns the corpus; other services request turns by id/index.
type Conversation struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// ConversationRequest asks the Dataset Manager for one turn of a session.
type ConversationRequest struct {
	Envelope
	ConversationID string          `json:"conversation_id"`
	TurnIndex      int             `json:"turn_index"`
	Phase          CreditPhaseType `json:"phase"`
}

// ConversationResponse answers a ConversationRequest with the conversation
// (including all of its turns, so workers can iterate multi-turn sessions).
type ConversationResponse struct {
	Envelope
	Conversation Conversation `json:"conversation"`
}

// ScheduledDrop is one entry of the fixed-schedule timing table: a
// conversation to run at a target monotonic offset.
type ScheduledDrop struct {
	ConversationID string `json:"conversation_id"`
	DropTimeNs     int64  `json:"drop_time_ns"`
}

// DatasetTimingRequest asks the Dataset Manager for the static schedule
// used by the FixedSchedule timing strategy.
type DatasetTimingRequest struct {
	Envelope
}

// DatasetTimingResponse carries the sorted fixed schedule.
type DatasetTimingResponse struct {
	Envelope
	Schedule []ScheduledDrop `json:"schedule"`
}

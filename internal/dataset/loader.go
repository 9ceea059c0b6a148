package dataset

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aiperf/aiperf/internal/domain"
)

// corpusFile is the on-disk shape of a conversation corpus file: one
// session per entry, each turn's non-text content given as base64.
type corpusFile struct {
	Conversations []corpusConversation `json:"conversations"`
}

type corpusConversation struct {
	SessionID string       `json:"session_id"`
	Turns     []corpusTurn `json:"turns"`
}

type corpusTurn struct {
	Role      string              `json:"role,omitempty"`
	Model     string              `json:"model,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	DelayMs   int                 `json:"delay_ms,omitempty"`
	Content   []corpusContentItem `json:"content"`
}

type corpusContentItem struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	// Base64 carries non-text content; MIME is sniffed from the decoded
	// bytes rather than trusted from the file, mirroring the teacher's
	// upload-content-sniffing idiom (internal/adapter/httpserver/handlers.go).
	Base64 string `json:"base64,omitempty"`
}

// LoadCorpus reads a corpus file from path and sniffs MIME for every
// non-text content item.
func LoadCorpus(path string) ([]domain.Conversation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read corpus %s: %v", domain.ErrConfiguration, path, err)
	}
	var file corpusFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: parse corpus %s: %v", domain.ErrConfiguration, path, err)
	}

	out := make([]domain.Conversation, 0, len(file.Conversations))
	for _, c := range file.Conversations {
		conv, err := buildConversation(c)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func buildConversation(c corpusConversation) (domain.Conversation, error) {
	turns := make([]domain.Turn, 0, len(c.Turns))
	for _, t := range c.Turns {
		content, err := buildContent(t.Content)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("conversation %s: %w", c.SessionID, err)
		}
		turns = append(turns, domain.Turn{
			Role:      t.Role,
			Model:     t.Model,
			MaxTokens: t.MaxTokens,
			DelayMs:   t.DelayMs,
			Content:   content,
		})
	}
	return domain.Conversation{SessionID: c.SessionID, Turns: turns}, nil
}

func buildContent(items []corpusContentItem) ([]domain.MediaContent, error) {
	out := make([]domain.MediaContent, 0, len(items))
	for _, item := range items {
		if item.Kind == "text" {
			out = append(out, domain.MediaContent{Kind: "text", Text: item.Text})
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(item.Base64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 content: %v", domain.ErrConfiguration, err)
		}
		mime := mimetype.Detect(decoded)
		out = append(out, domain.MediaContent{Kind: item.Kind, Data: item.Base64, MIME: mime.String()})
	}
	return out, nil
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aiperf/aiperf/internal/config"
	"github.com/aiperf/aiperf/internal/domain"
)

// EndpointFormatter is the pluggable collaborator a Worker consults to turn
// one conversation Turn into a wire request and to interpret the server's
// response. Concrete formatters are a closed set of collaborators keyed by
// config.EndpointType (spec.md §4.6 Non-goals: individual wire formats are
// not part of the contract this package owns).
type EndpointFormatter interface {
	// Path is appended to the configured server URL.
	Path() string
	// Streaming reports whether responses should be parsed as SSE.
	Streaming(uc config.UserConfig) bool
	// Body builds the JSON request body for turn.
	Body(uc config.UserConfig, turn domain.Turn) ([]byte, error)
	// ParseUnary turns a non-streaming JSON response body into ResponseData.
	ParseUnary(body []byte) (domain.ResponseData, error)
	// ParseSSEChunk turns one SSE event's Data field into ResponseData. A
	// zero Kind return with ok=false means the chunk carried no content
	// (e.g. a role-only delta) and should be skipped.
	ParseSSEChunk(data string) (rd domain.ResponseData, ok bool, err error)
}

// endpointRegistry is the process-local {EndpointType -> EndpointFormatter}
// table, populated by init-time registration in this file — the same
// pattern as internal/metrics' MetricRegistry.
var endpointRegistry = map[config.EndpointType]EndpointFormatter{
	config.EndpointChat:        chatFormatter{},
	config.EndpointCompletions: completionsFormatter{},
	config.EndpointEmbeddings:  embeddingsFormatter{},
	config.EndpointRanking:     rankingFormatter{},
}

// LookupFormatter resolves the configured endpoint type to its formatter.
func LookupFormatter(t config.EndpointType) (EndpointFormatter, error) {
	f, ok := endpointRegistry[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown endpoint type %q", domain.ErrConfiguration, t)
	}
	return f, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type chatFormatter struct{}

func (chatFormatter) Path() string { return "/v1/chat/completions" }

func (chatFormatter) Streaming(uc config.UserConfig) bool { return uc.StreamingEnabled }

func (chatFormatter) Body(uc config.UserConfig, turn domain.Turn) ([]byte, error) {
	msgs := make([]chatMessage, 0, len(turn.Content))
	for _, c := range turn.Content {
		if c.Kind == "text" {
			msgs = append(msgs, chatMessage{Role: roleOrDefault(turn.Role), Content: c.Text})
		}
	}
	model := turn.Model
	if model == "" {
		model = uc.Model
	}
	return json.Marshal(chatRequest{Model: model, Messages: msgs, MaxTokens: turn.MaxTokens, Stream: uc.StreamingEnabled})
}

func roleOrDefault(role string) string {
	if role == "" {
		return "user"
	}
	return role
}

type chatChoice struct {
	Message chatMessage `json:"message"`
	Delta   chatMessage `json:"delta"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

func (chatFormatter) ParseUnary(body []byte) (domain.ResponseData, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ResponseData{}, fmt.Errorf("%w: decode chat response: %v", domain.ErrSSEResponse, err)
	}
	if len(resp.Choices) == 0 {
		return domain.ResponseData{Kind: "text"}, nil
	}
	return domain.ResponseData{Kind: "text", Text: resp.Choices[0].Message.Content}, nil
}

func (chatFormatter) ParseSSEChunk(data string) (domain.ResponseData, bool, error) {
	var resp chatResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return domain.ResponseData{}, false, fmt.Errorf("%w: decode chat chunk: %v", domain.ErrSSEResponse, err)
	}
	if len(resp.Choices) == 0 {
		return domain.ResponseData{}, false, nil
	}
	text := resp.Choices[0].Delta.Content
	if text == "" {
		text = resp.Choices[0].Message.Content
	}
	if text == "" {
		return domain.ResponseData{}, false, nil
	}
	return domain.ResponseData{Kind: "text", Text: text}, true, nil
}

type completionsRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

type completionsFormatter struct{}

func (completionsFormatter) Path() string { return "/v1/completions" }

func (completionsFormatter) Streaming(uc config.UserConfig) bool { return uc.StreamingEnabled }

func (completionsFormatter) Body(uc config.UserConfig, turn domain.Turn) ([]byte, error) {
	var prompt bytes.Buffer
	for _, c := range turn.Content {
		if c.Kind == "text" {
			prompt.WriteString(c.Text)
		}
	}
	model := turn.Model
	if model == "" {
		model = uc.Model
	}
	return json.Marshal(completionsRequest{Model: model, Prompt: prompt.String(), MaxTokens: turn.MaxTokens, Stream: uc.StreamingEnabled})
}

type completionsChoice struct {
	Text string `json:"text"`
}

type completionsResponse struct {
	Choices []completionsChoice `json:"choices"`
}

func (completionsFormatter) ParseUnary(body []byte) (domain.ResponseData, error) {
	var resp completionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ResponseData{}, fmt.Errorf("%w: decode completions response: %v", domain.ErrSSEResponse, err)
	}
	if len(resp.Choices) == 0 {
		return domain.ResponseData{Kind: "text"}, nil
	}
	return domain.ResponseData{Kind: "text", Text: resp.Choices[0].Text}, nil
}

func (completionsFormatter) ParseSSEChunk(data string) (domain.ResponseData, bool, error) {
	var resp completionsResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return domain.ResponseData{}, false, fmt.Errorf("%w: decode completions chunk: %v", domain.ErrSSEResponse, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Text == "" {
		return domain.ResponseData{}, false, nil
	}
	return domain.ResponseData{Kind: "text", Text: resp.Choices[0].Text}, true, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsFormatter struct{}

func (embeddingsFormatter) Path() string { return "/v1/embeddings" }

func (embeddingsFormatter) Streaming(config.UserConfig) bool { return false }

func (embeddingsFormatter) Body(uc config.UserConfig, turn domain.Turn) ([]byte, error) {
	input := make([]string, 0, len(turn.Content))
	for _, c := range turn.Content {
		if c.Kind == "text" {
			input = append(input, c.Text)
		}
	}
	model := turn.Model
	if model == "" {
		model = uc.Model
	}
	return json.Marshal(embeddingsRequest{Model: model, Input: input})
}

type embeddingsDatum struct {
	Embedding []float32 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingsDatum `json:"data"`
}

func (embeddingsFormatter) ParseUnary(body []byte) (domain.ResponseData, error) {
	var resp embeddingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ResponseData{}, fmt.Errorf("%w: decode embeddings response: %v", domain.ErrSSEResponse, err)
	}
	if len(resp.Data) == 0 {
		return domain.ResponseData{Kind: "embedding"}, nil
	}
	return domain.ResponseData{Kind: "embedding", Embedding: resp.Data[0].Embedding}, nil
}

func (embeddingsFormatter) ParseSSEChunk(string) (domain.ResponseData, bool, error) {
	return domain.ResponseData{}, false, fmt.Errorf("%w: embeddings endpoint does not stream", domain.ErrConfiguration)
}

type rankingRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rankingFormatter struct{}

func (rankingFormatter) Path() string { return "/v1/ranking" }

func (rankingFormatter) Streaming(config.UserConfig) bool { return false }

func (rankingFormatter) Body(uc config.UserConfig, turn domain.Turn) ([]byte, error) {
	var query string
	docs := make([]string, 0, len(turn.Content))
	for i, c := range turn.Content {
		if c.Kind != "text" {
			continue
		}
		if i == 0 {
			query = c.Text
			continue
		}
		docs = append(docs, c.Text)
	}
	model := turn.Model
	if model == "" {
		model = uc.Model
	}
	return json.Marshal(rankingRequest{Model: model, Query: query, Documents: docs})
}

type rankingResponse struct {
	Scores []float64 `json:"scores"`
}

func (rankingFormatter) ParseUnary(body []byte) (domain.ResponseData, error) {
	var resp rankingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ResponseData{}, fmt.Errorf("%w: decode ranking response: %v", domain.ErrSSEResponse, err)
	}
	return domain.ResponseData{Kind: "ranking", RankingScores: resp.Scores}, nil
}

func (rankingFormatter) ParseSSEChunk(string) (domain.ResponseData, bool, error) {
	return domain.ResponseData{}, false, fmt.Errorf("%w: ranking endpoint does not stream", domain.ErrConfiguration)
}

// buildHTTPRequest applies the server URL, API key, and JSON content type
// common to every endpoint formatter, grounded on the teacher's
// http.NewRequestWithContext + Bearer-header pattern (internal/adapter/ai/real/client.go).
func buildHTTPRequest(ctx context.Context, method, url, apiKey string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

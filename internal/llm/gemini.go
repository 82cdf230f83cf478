package llm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient is a client for the Google Gemini generateContent API.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a Gemini client. An empty baseURL selects the
// public endpoint.
func NewGeminiClient(baseURL, apiKey string, logger *slog.Logger) *GeminiClient {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		maxTokens: 8192,
		logger:    logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRateLimitRetry(3, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Tools             []geminiToolSet        `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolSet struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Chat sends the conversation to Gemini and returns the model's reply.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	req, err := buildGeminiRequest(messages, tools, c.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates in response")
	}

	out := &ChatResponse{
		Model:         wire.ModelVersion,
		CreatedAt:     time.Now(),
		InputTokens:   wire.UsageMetadata.PromptTokenCount,
		OutputTokens:  wire.UsageMetadata.CandidatesTokenCount,
		TotalDuration: time.Since(start),
		Message:       parseGeminiCandidate(wire.Candidates[0].Content),
	}
	if out.Model == "" {
		out.Model = model
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	return out, nil
}

// Ping lists models to verify the API key.
func (c *GeminiClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini API error %d", resp.StatusCode)
	}
	return nil
}

func buildGeminiRequest(messages []Message, tools []ToolSpec, maxTokens int) (*geminiRequest, error) {
	req := &geminiRequest{
		GenerationConfig: geminiGenerationConfig{MaxOutputTokens: maxTokens},
	}

	if len(tools) > 0 {
		decls := make([]geminiFuncDecl, len(tools))
		for i, t := range tools {
			decls[i] = geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeSchema(t.Parameters),
			}
		}
		req.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	// Gemini's functionResponse needs the function name, but tool
	// messages only carry the call id.
	callNames := make(map[string]string)
	var system []string

	for _, m := range messages {
		var role string
		var parts []geminiPart

		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
			continue
		case RoleUser:
			role = "user"
			parts = append(parts, geminiPart{Text: m.Content})
		case RoleAssistant:
			role = "model"
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
		case RoleTool:
			role = "user"
			name, ok := callNames[m.ToolCallID]
			if !ok {
				return nil, fmt.Errorf("no function name for tool call id %q", m.ToolCallID)
			}
			key := "result"
			if m.IsError {
				key = "error"
			}
			parts = append(parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     name,
				Response: map[string]any{key: m.Content},
			}})
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}

		if len(parts) == 0 {
			continue
		}
		// Gemini requires alternating roles; merge consecutive turns.
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, parts...)
			continue
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	return req, nil
}

func parseGeminiCandidate(content geminiContent) Message {
	msg := Message{Role: RoleAssistant}
	var text []string
	for _, p := range content.Parts {
		switch {
		case p.FunctionCall != nil:
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       geminiCallID(p.FunctionCall.Name),
				Function: FunctionCall{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Args},
			})
		case p.Text != "":
			text = append(text, p.Text)
		}
	}
	msg.Content = strings.Join(text, "")
	return msg
}

// geminiCallID synthesizes a call id; Gemini does not return one.
func geminiCallID(name string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("call_%s_%s", name, hex.EncodeToString(b))
}

// sanitizeSchema drops JSON Schema keywords Gemini rejects ($schema,
// additionalProperties), recursing into properties and items.
func sanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties":
			continue
		case "properties":
			if props, ok := v.(map[string]any); ok {
				clean := make(map[string]any, len(props))
				for name, p := range props {
					if pm, ok := p.(map[string]any); ok {
						clean[name] = sanitizeSchema(pm)
					} else {
						clean[name] = p
					}
				}
				out[k] = clean
				continue
			}
		case "items":
			if im, ok := v.(map[string]any); ok {
				out[k] = sanitizeSchema(im)
				continue
			}
		}
		out[k] = v
	}
	// An object schema with no properties is rejected by Gemini.
	if out["type"] == "object" {
		if props, ok := out["properties"].(map[string]any); !ok || len(props) == 0 {
			return nil
		}
	}
	return out
}

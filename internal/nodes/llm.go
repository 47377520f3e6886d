package nodes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weavegraph/weavegraph/internal/store"
	"github.com/weavegraph/weavegraph/internal/template"
	weaveerrors "github.com/weavegraph/weavegraph/pkg/errors"
	"github.com/weavegraph/weavegraph/pkg/httpclient"
)

const (
	anthropicAPIBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// llmExecutor resolves an effective model/api key/api base (directly on the
// node, or dereferenced through model_config_id), renders the node's prompt
// template, and sends a two-message chat request.
type llmExecutor struct{}

func (e *llmExecutor) Execute(ectx ExecContext, node *store.Node, input any) (any, error) {
	modelCfg := node
	if ref := node.DataString("model_config_id"); ref != "" {
		if n, ok := ectx.Workflow.NodeByID(ref); ok {
			modelCfg = n
		}
	}

	model := modelCfg.DataString("model")
	if model == "" {
		model = ectx.Config.LLM.DefaultModel
	}
	apiKey := modelCfg.DataString("api_key")
	baseURL := modelCfg.DataString("api_base")
	if baseURL == "" {
		baseURL = ectx.Config.LLM.BaseURL
	}
	if baseURL == "" {
		baseURL = anthropicAPIBaseURL
	}
	if apiKey == "" {
		return nil, &weaveerrors.AuthenticationError{
			Provider: "anthropic",
			Message:  "no api_key configured on node or referenced model_config",
		}
	}

	tmplCtx := template.Context{"current_input": input}
	for nodeID, out := range ectx.RunOutputs {
		tmplCtx[nodeID] = out
	}
	systemPrompt := template.Render(node.DataString("prompt"), tmplCtx)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal llm input: %w", err)
	}
	userContent := fmt.Sprintf("Contextual Input: %s", inputJSON)

	temperature := node.DataFloat("temperature", 1.0)
	maxTokens := int(node.DataFloat("max_tokens", 4096))

	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Temperature: &temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: userContent},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "weavegraphd-llm/1.0"
	cfg.RetryAttempts = 0
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build llm http client: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ectx.Ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &weaveerrors.TransportError{Target: baseURL, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &weaveerrors.TransportError{Target: baseURL, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &weaveerrors.TransportError{Target: baseURL, StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &weaveerrors.AuthenticationError{
			Provider: "anthropic",
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		message := string(respBody)
		var errBody anthropicErrorBody
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error.Message != "" {
			message = errBody.Error.Message
		}
		return nil, &weaveerrors.ProviderError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Message:    message,
			RequestID:  resp.Header.Get("request-id"),
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &weaveerrors.TransportError{Target: baseURL, Cause: fmt.Errorf("parse response: %w", err)}
	}

	var text string
	for _, block := range apiResp.Content {
		if t, ok := block["text"].(string); ok {
			text += t
		}
	}

	return map[string]any{
		"status":        "success",
		"full_response": text,
		"details": map[string]any{
			"model": apiResp.Model,
			"usage": apiResp.Usage,
		},
	}, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string                   `json:"model"`
	Content []map[string]interface{} `json:"content"`
	Usage   anthropicUsage           `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicErrorBody is the envelope Anthropic returns on a non-200
// response, e.g. {"type":"error","error":{"type":"rate_limit_error",
// "message":"..."}}.
type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

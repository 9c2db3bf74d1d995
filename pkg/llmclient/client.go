package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/opsassist/opsai/internal/config"
)

// Client is the typed HTTP wrapper around an OpenAI-compatible
// /v1/chat/completions endpoint. Timeouts, retries, rate-limit handling,
// and circuit breaking all live here.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	apiKey     string
}

// NewClient constructs a Client from the resolved LLM configuration. The
// API key is read once from the configured environment variable
// (internal/config.LLMConfig.APIKeyEnv) — never logged, never embedded in
// a prompt.
func NewClient(cfg config.LLMConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-client",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    breaker,
		apiKey:     os.Getenv(cfg.APIKeyEnv),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends one chat-completion request and returns the parsed
// ToolCallResult. Mode (text vs tool-call) is selected by
// input.SupportsToolCall, the worker-registry capability flag.
func (c *Client) Generate(ctx context.Context, input GenerateInput) (ToolCallResult, error) {
	req := c.buildRequest(input)

	body, err := c.doWithRetry(ctx, req)
	if err != nil {
		return ToolCallResult{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ToolCallResult{}, NewTransportError(fmt.Errorf("decode response: %w", err), false)
	}
	if len(resp.Choices) == 0 {
		return ToolCallResult{}, NewTransportError(fmt.Errorf("no choices in response"), false)
	}

	msg := resp.Choices[0].Message

	if input.SupportsToolCall {
		if len(msg.ToolCalls) > 0 {
			return parseToolCall(msg.ToolCalls[0].Function.Name, msg.ToolCalls[0].Function.Arguments)
		}
		// In tool-call mode, declining to call a tool is the model's
		// completion signal: the content is the final chat reply.
		return ToolCallResult{Kind: KindFinal, ChatMessage: msg.Content}, nil
	}

	return parseTextResponse(msg.Content)
}

func (c *Client) buildRequest(input GenerateInput) chatRequest {
	messages := make([]wireMessage, len(input.Messages))
	for i, m := range input.Messages {
		messages[i] = wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.ToolName}
	}

	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	if input.SupportsToolCall {
		for _, t := range input.Tools {
			req.Tools = append(req.Tools, wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  json.RawMessage(t.ParametersSchema),
				},
			})
		}
	}

	return req
}

// doWithRetry performs the HTTP round-trip through the circuit breaker,
// retrying transient failures with exponential backoff capped at
// cfg.MaxRetries attempts.
func (c *Client) doWithRetry(ctx context.Context, req chatRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewTransportError(fmt.Errorf("encode request: %w", err), false)
	}

	var result []byte
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)

	err = backoff.Retry(func() error {
		v, execErr := c.breaker.Execute(func() (any, error) {
			return c.doOnce(ctx, payload)
		})
		if execErr != nil {
			if te, ok := execErr.(*TransportError); ok && !te.Retryable {
				return backoff.Permanent(execErr)
			}
			return execErr
		}
		result = v.([]byte)
		return nil
	}, bo)

	if err != nil {
		if te, ok := err.(*TransportError); ok {
			return nil, te
		}
		return nil, NewTransportError(err, true)
	}
	return result, nil
}

func (c *Client) doOnce(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, NewTransportError(err, false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransportError(err, true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransportError(err, true)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, NewTransportError(fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, body), true)
	default:
		return nil, NewTransportError(fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, body), false)
	}
}

func parseToolCall(name, arguments string) (ToolCallResult, error) {
	workerName, action := splitToolName(name)

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return ToolCallResult{Kind: KindParseError, ParseErr: fmt.Errorf("%w: %v", ErrParse, err)}, nil
		}
	}

	result := ToolCallResult{
		Kind:   KindInstruction,
		Worker: workerName,
		Action: action,
		Args:   args,
	}
	// risk_level/dry_run ride along inside the function arguments in
	// tool-call mode; lift them out so the remaining args match the
	// action's declared parameter schema.
	if rl, ok := args["risk_level"].(string); ok {
		result.RiskLevel = rl
		delete(args, "risk_level")
	}
	if dr, ok := args["dry_run"].(bool); ok {
		result.DryRun = dr
		delete(args, "dry_run")
	}
	return result, nil
}

func splitToolName(name string) (worker, action string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

func parseTextResponse(content string) (ToolCallResult, error) {
	obj, err := ExtractJSON(content)
	if err != nil {
		return ToolCallResult{Kind: KindParseError, ParseErr: err}, nil
	}

	if final, ok := obj["final"].(bool); ok && final {
		msg, _ := obj["message"].(string)
		return ToolCallResult{Kind: KindFinal, ChatMessage: msg}, nil
	}

	workerName, _ := obj["worker"].(string)
	action, _ := obj["action"].(string)
	thinking, _ := obj["thinking"].(string)
	riskLevel, _ := obj["risk_level"].(string)
	dryRun, _ := obj["dry_run"].(bool)
	args, _ := obj["args"].(map[string]any)

	if workerName == "" || action == "" {
		return ToolCallResult{Kind: KindParseError, ParseErr: fmt.Errorf("%w: missing worker/action", ErrParse)}, nil
	}

	return ToolCallResult{
		Kind:      KindInstruction,
		Worker:    workerName,
		Action:    action,
		Args:      args,
		RiskLevel: riskLevel,
		DryRun:    dryRun,
		Thinking:  thinking,
	}, nil
}

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelier-ai/studio/pkg/httpclient"
	"github.com/atelier-ai/studio/pkg/observability"
)

// Driver is the shared contract of the three provider families.
type Driver interface {
	Stream(ctx context.Context, req *Request) (<-chan ProviderEvent, error)
	Complete(ctx context.Context, req *Request) (*CompletionResult, error)
	Embed(ctx context.Context, texts []string, model string) (*EmbeddingResult, error)
	Info() ProviderInfo
	CheckAuth() error
	Close() error
}

// Request is the wire-level call a driver executes. Messages are
// already normalized to API form by the client.
type Request struct {
	Model       string
	Messages    []apiMessage
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
	ToolChoice  string
	RequestID   string
}

// headerFunc supplies per-request headers. Copilot resolves a session
// token here; the other families return static headers.
type headerFunc func(requestID string) (map[string]string, error)

// chatDriver is the single implementation of the chat-completions
// protocol; the three families differ only in headers and auth.
type chatDriver struct {
	info       ProviderInfo
	httpClient *httpclient.Client
	headers    headerFunc
	checkAuth  func() error
}

func newChatDriver(info ProviderInfo, headers headerFunc, checkAuth func() error) *chatDriver {
	return &chatDriver{
		info: info,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		headers:   headers,
		checkAuth: checkAuth,
	}
}

func (d *chatDriver) Info() ProviderInfo {
	return d.info
}

func (d *chatDriver) CheckAuth() error {
	if d.checkAuth != nil {
		return d.checkAuth()
	}
	return nil
}

func (d *chatDriver) Close() error {
	return nil
}

// errorLabel names the provider in user-facing error messages.
func (d *chatDriver) errorLabel() string {
	switch d.info.ProviderType {
	case ProviderTypeDefault:
		return "AI"
	case ProviderTypeCopilot:
		return "Copilot"
	default:
		return d.info.Name
	}
}

func (d *chatDriver) buildPayload(req *Request, stream bool) chatRequest {
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]apiTool, len(req.Tools))
		for i, t := range req.Tools {
			payload.Tools[i] = apiTool{Type: "function", Function: apiToolFunction(t)}
		}
		payload.ToolChoice = req.ToolChoice
		if payload.ToolChoice == "" {
			payload.ToolChoice = "auto"
		}
	}
	return payload
}

func (d *chatDriver) newHTTPRequest(ctx context.Context, path string, body any, requestID string) (*http.Request, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.info.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	httpReq.Header.Set("Content-Type", "application/json")
	headers, err := d.headers(requestID)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Stream issues a streaming call and emits ProviderEvents on the
// returned channel. The channel closes when the response ends.
func (d *chatDriver) Stream(ctx context.Context, req *Request) (<-chan ProviderEvent, error) {
	outputCh := make(chan ProviderEvent, 100)

	go func() {
		defer close(outputCh)
		d.streamInto(ctx, req, outputCh)
	}()

	return outputCh, nil
}

func (d *chatDriver) streamInto(ctx context.Context, req *Request, outputCh chan<- ProviderEvent) {
	startTime := time.Now()

	tracer := observability.GetTracer("studio.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Model),
			attribute.String("provider", d.info.ProviderType),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	emitError := func(msg string, meta *ErrorMeta) {
		span.RecordError(fmt.Errorf("%s", msg))
		span.SetStatus(codes.Error, msg)
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, req.Model, time.Since(startTime), 0, 0, fmt.Errorf("%s", msg))
		}
		select {
		case outputCh <- ProviderEvent{Type: EventError, Error: msg, Meta: meta}:
		case <-ctx.Done():
		}
	}

	httpReq, err := d.newHTTPRequest(ctx, "/chat/completions", d.buildPayload(req, true), req.RequestID)
	if err != nil {
		emitError(err.Error(), nil)
		return
	}

	resp, err := d.httpClient.Do(httpReq)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errorText := string(body)
			emitError(
				fmt.Sprintf("❌ %s 服务错误 (%d): %s", d.errorLabel(), resp.StatusCode, errorText),
				ParseErrorMeta(resp.StatusCode, errorText, req.Model, d.info.ProviderType),
			)
			return
		}
	}
	if err != nil {
		emitError(fmt.Sprintf("❌ %s 服务错误: %v", d.errorLabel(), err), nil)
		return
	}
	if resp == nil {
		emitError(fmt.Sprintf("❌ %s 服务错误: no response received", d.errorLabel()), nil)
		return
	}

	reader := bufio.NewReader(resp.Body)
	var usage *Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			emitError(fmt.Sprintf("❌ %s 流读取失败: %v", d.errorLabel(), err), nil)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		for _, event := range parseSSEChunk(&chunk) {
			if event.Type == EventUsage {
				usage = event.Usage
			}
			select {
			case outputCh <- event:
			case <-ctx.Done():
				return
			}
		}
	}

	promptTokens, completionTokens := 0, 0
	if usage != nil {
		promptTokens = usage.PromptTokens
		completionTokens = usage.CompletionTokens
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, promptTokens),
			attribute.Int(observability.AttrLLMTokensOutput, completionTokens),
		)
	}
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, req.Model, time.Since(startTime), promptTokens, completionTokens, nil)
	}
}

// Complete issues a non-streaming call.
func (d *chatDriver) Complete(ctx context.Context, req *Request) (*CompletionResult, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("studio.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, req.Model),
			attribute.String("provider", d.info.ProviderType),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	fail := func(err error) (*CompletionResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, req.Model, time.Since(startTime), 0, 0, err)
		}
		return nil, err
	}

	httpReq, err := d.newHTTPRequest(ctx, "/chat/completions", d.buildPayload(req, false), req.RequestID)
	if err != nil {
		return fail(err)
	}

	resp, err := d.httpClient.Do(httpReq)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errorText := string(body)
			return fail(&ProviderError{
				Message:    fmt.Sprintf("%s 服务错误 (%d): %s", d.errorLabel(), resp.StatusCode, errorText),
				StatusCode: resp.StatusCode,
				Meta:       ParseErrorMeta(resp.StatusCode, errorText, req.Model, d.info.ProviderType),
			})
		}
	}
	if err != nil {
		return fail(fmt.Errorf("HTTP request failed: %w", err))
	}
	if resp == nil {
		return fail(fmt.Errorf("HTTP request failed: no response received"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read response: %w", err))
	}

	var response completionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fail(fmt.Errorf("failed to unmarshal response: %w", err))
	}

	result := parseCompletionResponse(&response)

	promptTokens, completionTokens := 0, 0
	if result.Usage != nil {
		promptTokens = result.Usage.PromptTokens
		completionTokens = result.Usage.CompletionTokens
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, promptTokens),
			attribute.Int(observability.AttrLLMTokensOutput, completionTokens),
		)
	}
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, req.Model, time.Since(startTime), promptTokens, completionTokens, nil)
	}

	return result, nil
}

// Embed calls the embeddings endpoint of the same base URL.
func (d *chatDriver) Embed(ctx context.Context, texts []string, model string) (*EmbeddingResult, error) {
	payload := map[string]any{"model": model, "input": texts}

	httpReq, err := d.newHTTPRequest(ctx, "/embeddings", payload, "")
	if err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(httpReq)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, &ProviderError{
				Message:    fmt.Sprintf("Embedding 错误 (%d): %s", resp.StatusCode, string(body)),
				StatusCode: resp.StatusCode,
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response embeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	result := &EmbeddingResult{Model: model, Usage: response.Usage.toUsage()}
	for _, item := range response.Data {
		result.Embeddings = append(result.Embeddings, item.Embedding)
	}
	return result, nil
}

package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/go-resty/resty/v2"
	"github.com/marek/upcycle/internal/config"
	"github.com/marek/upcycle/internal/domain"
	"github.com/marek/upcycle/internal/logger"
	"github.com/marek/upcycle/internal/prompts"
)

// ProjectPayload is one generated project as returned by the model.
type ProjectPayload struct {
	Name           string              `json:"name"`
	ProjectName    string              `json:"projectName"`
	Description    string              `json:"description"`
	Materials      domain.MaterialList `json:"materials"`
	Steps          domain.StepList     `json:"steps"`
	ReferenceVideo string              `json:"referenceVideo"`
}

// DisplayName returns whichever name field the model filled in.
func (p *ProjectPayload) DisplayName() string {
	if p.ProjectName != "" {
		return p.ProjectName
	}
	if p.Name != "" {
		return p.Name
	}
	return "DIY Project"
}

// LLMClient calls an OpenAI-compatible chat completions endpoint for
// project generation.
type LLMClient struct {
	cfg    *config.LLMConfig
	client *resty.Client
	log    *logger.Logger
}

// NewLLMClient creates a new LLM client.
func NewLLMClient(cfg *config.LLMConfig, log *logger.Logger) *LLMClient {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &LLMClient{
		cfg:    cfg,
		client: client,
		log:    log.WithField(logger.FieldComponent, "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const (
	namesMaxTokens  = 300
	detailMaxTokens = 1500
	llmTemperature  = 0.2
)

// GenerateNames runs the lightweight first pass that produces 3-5 project
// names for the given materials text.
func (c *LLMClient) GenerateNames(ctx context.Context, userPrompt string) ([]string, error) {
	content, err := c.complete(ctx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.NamesPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: llmTemperature,
		MaxTokens:   namesMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	payloads, err := c.decodeProjects(ctx, content)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(payloads))
	for _, p := range payloads {
		names = append(names, p.DisplayName())
	}
	return names, nil
}

// GenerateDetails runs the full-detail pass for one named project. The
// model is asked for the project by name; when it returns several, the one
// matching projectName wins, falling back to the first.
func (c *LLMClient) GenerateDetails(ctx context.Context, projectName, userPrompt string) (*ProjectPayload, error) {
	content, err := c.complete(ctx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.DetailSystemPrompt},
			{Role: "user", Content: detailUserPrompt(projectName, userPrompt)},
		},
		Temperature: llmTemperature,
		MaxTokens:   detailMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return c.pickProject(ctx, content, projectName)
}

// StreamDetails is GenerateDetails over a streaming response. onDelta is
// called for every content fragment as it arrives; the assembled response
// is parsed the same way as the blocking path.
func (c *LLMClient) StreamDetails(ctx context.Context, projectName, userPrompt string, onDelta func(fragment string, accumulated int)) (*ProjectPayload, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.DetailSystemPrompt},
			{Role: "user", Content: detailUserPrompt(projectName, userPrompt)},
		},
		Temperature: llmTemperature,
		MaxTokens:   detailMaxTokens,
		Stream:      true,
	}

	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, classifyTransportError(err, c.cfg)
	}
	body := httpResp.RawBody()
	defer body.Close()

	if httpResp.StatusCode() != 200 {
		return nil, classifyStatus(httpResp.StatusCode(), "streaming request rejected")
	}

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		// Incomplete chunks are skipped, the assembled text is validated
		// at the end.
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content, full.Len())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransportError(err, c.cfg)
	}

	return c.pickProject(ctx, full.String(), projectName)
}

func detailUserPrompt(projectName, userPrompt string) string {
	return fmt.Sprintf("Generate detailed instructions for this project: %s. Materials available: %s", projectName, userPrompt)
}

func (c *LLMClient) complete(ctx context.Context, req chatRequest) (string, error) {
	var resp chatResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/chat/completions")
	if err != nil {
		return "", classifyTransportError(err, c.cfg)
	}
	if httpResp.StatusCode() != 200 {
		msg := "request rejected"
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return "", classifyStatus(httpResp.StatusCode(), msg)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &UpstreamError{Kind: UpstreamMalformed, Msg: "no content returned from language model"}
	}
	return resp.Choices[0].Message.Content, nil
}

// decodeProjects parses model output into project payloads, accepting
// either an array or a single object.
func (c *LLMClient) decodeProjects(ctx context.Context, content string) ([]ProjectPayload, error) {
	var payloads []ProjectPayload
	stage, err := repairJSON(content, &payloads)
	if err != nil {
		var single ProjectPayload
		singleStage, singleErr := repairJSON(content, &single)
		if singleErr != nil {
			return nil, err
		}
		stage = singleStage
		payloads = []ProjectPayload{single}
	}
	if stage != RepairNone {
		c.log.WithFields(logger.Fields{
			"repair_stage": string(stage),
			"record_id":    logger.GetFieldString(ctx, logger.FieldRecordID),
		}).Warn("model output needed JSON repair")
	}
	if len(payloads) == 0 {
		return nil, &UpstreamError{Kind: UpstreamMalformed, Msg: "model returned an empty project list"}
	}
	return payloads, nil
}

func (c *LLMClient) pickProject(ctx context.Context, content, projectName string) (*ProjectPayload, error) {
	payloads, err := c.decodeProjects(ctx, content)
	if err != nil {
		return nil, err
	}
	for i := range payloads {
		if payloads[i].ProjectName == projectName || payloads[i].Name == projectName {
			return &payloads[i], nil
		}
	}
	return &payloads[0], nil
}

func classifyStatus(status int, msg string) *UpstreamError {
	kind := UpstreamRejected
	if status >= 500 {
		kind = UpstreamTransient
	}
	return &UpstreamError{Kind: kind, Status: status, Msg: msg}
}

// classifyTransportError folds timeouts and connection failures into a
// transient upstream error with an operator-friendly message.
func classifyTransportError(err error, cfg *config.LLMConfig) *UpstreamError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		return &UpstreamError{
			Kind: UpstreamTransient,
			Msg:  fmt.Sprintf("request timed out after %s, the model may be slow or not responding", cfg.Timeout),
			Err:  err,
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &UpstreamError{
			Kind: UpstreamTransient,
			Msg:  "cannot connect to LLM server, is the backend running at " + cfg.BaseURL + "?",
			Err:  err,
		}
	case errors.Is(err, syscall.ECONNRESET):
		return &UpstreamError{
			Kind: UpstreamTransient,
			Msg:  "connection to LLM server was reset, likely a transient network or server issue",
			Err:  err,
		}
	default:
		return &UpstreamError{Kind: UpstreamTransient, Msg: err.Error(), Err: err}
	}
}

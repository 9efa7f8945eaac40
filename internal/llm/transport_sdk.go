package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// SDKTransport calls Gemini through the genai client library. One client is
// kept per credential.
type SDKTransport struct {
	model   string
	baseURL string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewSDKTransport(model, baseURL string) *SDKTransport {
	if model == "" {
		model = DefaultModel
	}
	return &SDKTransport{
		model:   model,
		baseURL: baseURL,
		clients: make(map[string]*genai.Client),
	}
}

func (t *SDKTransport) Generate(ctx context.Context, credential string, req *GenerateRequest) (*Response, error) {
	client, err := t.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	contents, err := toGenaiContents(req.Contents)
	if err != nil {
		return nil, err
	}

	temperature := float32(req.GenerationConfig.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		MaxOutputTokens:  int32(req.GenerationConfig.MaxOutputTokens),
		ResponseMIMEType: req.GenerationConfig.ResponseMIMEType,
	}

	result, err := client.Models.GenerateContent(ctx, t.model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.Code, Message: apiErr.Message}
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return nil, &StatusError{StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
		}
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	return fromGenaiResponse(result), nil
}

func (t *SDKTransport) client(ctx context.Context, credential string) (*genai.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[credential]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	}
	if t.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: t.baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	t.clients[credential] = c
	return c, nil
}

func toGenaiContents(contents []Content) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.InlineData != nil {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return nil, newError(ErrInvalidFrame, 0, err, "A captured screenshot could not be read. Start a new scan.")
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{Data: data, MIMEType: p.InlineData.MIMEType},
				})
				continue
			}
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
		out = append(out, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return out, nil
}

func fromGenaiResponse(result *genai.GenerateContentResponse) *Response {
	resp := &Response{}
	if result == nil {
		return resp
	}
	for _, c := range result.Candidates {
		if c == nil {
			continue
		}
		var cand Candidate
		cand.FinishReason = string(c.FinishReason)
		if c.Content != nil {
			cand.Content.Role = c.Content.Role
			for _, p := range c.Content.Parts {
				if p != nil && p.Text != "" {
					cand.Content.Parts = append(cand.Content.Parts, Part{Text: p.Text})
				}
			}
		}
		resp.Candidates = append(resp.Candidates, cand)
	}
	if result.UsageMetadata != nil {
		resp.UsageMetadata = &UsageMetadata{
			PromptTokenCount:     int(result.UsageMetadata.PromptTokenCount),
			CandidatesTokenCount: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokenCount:      int(result.UsageMetadata.TotalTokenCount),
		}
	}
	return resp
}

package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultModel   = "gemini-2.5-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries = 4
	BaseDelay  = 2 * time.Second
	MaxJitter  = time.Second

	// MaxFramesPerRequest caps the inline images sent with one request. The
	// most recent frames win.
	MaxFramesPerRequest = 10

	FrameMIMEType = "image/jpeg"

	generationTemperature = 0.4
	generationMaxTokens   = 8192
)

// Gemini pricing (per million tokens)
const (
	inputPricePerMillion  = 0.30
	outputPricePerMillion = 2.50
)

// Wire format of the generateContent endpoint.

type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type GenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type GenerateRequest struct {
	Contents         []Content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Response struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	Error         *ResponseError `json:"error,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Text returns the concatenated text parts of the first candidate.
func (r *Response) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Transport performs one generateContent call. Non-2xx responses must be
// returned as *StatusError so the gateway can classify them.
type Transport interface {
	Generate(ctx context.Context, credential string, req *GenerateRequest) (*Response, error)
}

// Gateway sends capture evidence to the model and retries transient
// failures with exponential backoff.
type Gateway struct {
	transport  Transport
	maxRetries int
	baseDelay  time.Duration
	maxJitter  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(max time.Duration) time.Duration
}

type GatewayOption func(*Gateway)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

func WithJitter(jitter func(max time.Duration) time.Duration) GatewayOption {
	return func(g *Gateway) { g.jitter = jitter }
}

func WithRetries(n int) GatewayOption {
	return func(g *Gateway) { g.maxRetries = n }
}

func NewGateway(transport Transport, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		transport:  transport,
		maxRetries: MaxRetries,
		baseDelay:  BaseDelay,
		maxJitter:  MaxJitter,
		sleep:      sleepContext,
		jitter:     randomJitter,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Analyze submits frames and extracted listing text for sourceName and
// returns the raw model response. Frames are base64 JPEG payloads.
func (g *Gateway) Analyze(ctx context.Context, credential, sourceName string, frames []string, supplementaryText string) (*Response, error) {
	if err := checkCredential(credential); err != nil {
		return nil, err
	}

	req := buildRequest(sourceName, frames, supplementaryText)
	imageCount := len(req.Contents[0].Parts) - 1

	var lastErr error
	quota := false
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("retrying gemini request")
			if err := g.sleep(ctx, delay); err != nil {
				return nil, newError(ErrNetwork, 0, err, "The analysis was cancelled.")
			}
		}

		start := time.Now()
		resp, err := g.transport.Generate(ctx, credential, req)
		if err == nil {
			logUsage(resp, imageCount, attempt+1, time.Since(start))
			return resp, nil
		}

		var classified *Error
		if errors.As(err, &classified) {
			return nil, classified
		}

		var se *StatusError
		if errors.As(err, &se) {
			switch se.StatusCode {
			case 429, 503:
				lastErr, quota = err, true
				continue
			case 400, 401, 403:
				return nil, newError(ErrInvalidCredential, se.StatusCode, err,
					"The Gemini API key was rejected (HTTP %d). Check the key in settings.", se.StatusCode)
			default:
				return nil, newError(ErrUpstream, se.StatusCode, err,
					"The AI service returned an error (HTTP %d): %s", se.StatusCode, se.Message)
			}
		}

		if ctx.Err() != nil {
			return nil, newError(ErrNetwork, 0, ctx.Err(), "The analysis was cancelled.")
		}
		lastErr, quota = err, false
	}

	if quota {
		return nil, newError(ErrQuotaExceeded, 429, lastErr,
			"The AI service is busy or the quota is exhausted. Try again in a few minutes.")
	}
	return nil, newError(ErrNetwork, 0, lastErr,
		"Could not reach the AI service. Check your connection and try again.")
}

// backoff returns the delay before retry number attempt (1-based).
func (g *Gateway) backoff(attempt int) time.Duration {
	return g.baseDelay*time.Duration(1<<(attempt-1)) + g.jitter(g.maxJitter)
}

func checkCredential(credential string) error {
	if strings.TrimSpace(credential) == "" {
		return newError(ErrMissingCredential, 0, nil, "No Gemini API key configured. Add your key in settings.")
	}
	return nil
}

func buildRequest(sourceName string, frames []string, supplementaryText string) *GenerateRequest {
	if len(frames) > MaxFramesPerRequest {
		frames = frames[len(frames)-MaxFramesPerRequest:]
	}

	parts := make([]Part, 0, len(frames)+1)
	parts = append(parts, Part{Text: buildPrompt(sourceName, len(frames), supplementaryText)})
	for _, f := range frames {
		parts = append(parts, Part{InlineData: &InlineData{MIMEType: FrameMIMEType, Data: f}})
	}

	return &GenerateRequest{
		Contents: []Content{{Role: "user", Parts: parts}},
		GenerationConfig: GenerationConfig{
			Temperature:      generationTemperature,
			MaxOutputTokens:  generationMaxTokens,
			ResponseMIMEType: "application/json",
		},
	}
}

func logUsage(resp *Response, imageCount, attempts int, took time.Duration) {
	event := log.Info().
		Int("imageCount", imageCount).
		Int("attempts", attempts).
		Dur("took", took)
	if resp != nil && resp.UsageMetadata != nil {
		event = event.
			Int("inputTokens", resp.UsageMetadata.PromptTokenCount).
			Int("outputTokens", resp.UsageMetadata.CandidatesTokenCount).
			Float64("costUSD", calculateCost(int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount)))
	}
	event.Msg("deal analysis llm call")
}

func calculateCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * outputPricePerMillion
	return inputCost + outputCost
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

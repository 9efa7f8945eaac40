package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type RESTOpts struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// RESTTransport calls the generateContent REST endpoint directly. The
// credential travels as the key query parameter.
type RESTTransport struct {
	httpClient *resty.Client
	model      string
}

func NewRESTTransport(opts RESTOpts) *RESTTransport {
	t := RESTTransport{model: DefaultModel}
	if opts.Model != "" {
		t.model = opts.Model
	}
	baseURL := DefaultBaseURL
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	t.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeaders(map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
		})

	return &t
}

func (t *RESTTransport) Generate(ctx context.Context, credential string, req *GenerateRequest) (*Response, error) {
	res, err := t.httpClient.
		NewRequest().
		SetContext(ctx).
		SetQueryParam("key", credential).
		SetPathParams(map[string]string{
			"model": t.model,
		}).
		SetBody(req).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return nil, fmt.Errorf("failed to call gemini: %w", err)
	}

	if res.IsError() {
		return nil, &StatusError{StatusCode: res.StatusCode(), Message: errorMessage(res.Body())}
	}

	var resp Response
	if err := json.Unmarshal(res.Body(), &resp); err != nil {
		return nil, newError(ErrMalformedOutput, res.StatusCode(), err, "The AI service returned a response that could not be read.")
	}
	return &resp, nil
}

// errorMessage pulls error.message out of an error body, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error *ResponseError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen])
	}
	return string(body)
}

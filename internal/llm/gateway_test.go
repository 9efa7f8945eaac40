package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Key  string
	Body GenerateRequest
}

// geminiServer serves the given status codes in order, repeating the last.
func geminiServer(t *testing.T, statuses []int, body string) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []recordedCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)

		raw, _ := io.ReadAll(r.Body)
		var req GenerateRequest
		assert.NoError(t, json.Unmarshal(raw, &req))

		mu.Lock()
		n := len(calls)
		calls = append(calls, recordedCall{Key: r.URL.Query().Get("key"), Body: req})
		mu.Unlock()

		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"upstream says no"}}`, status)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestGateway(baseURL string, sleeper *sleepRecorder) *Gateway {
	return NewGateway(
		NewRESTTransport(RESTOpts{BaseURL: baseURL}),
		WithSleep(sleeper.sleep),
		WithJitter(func(max time.Duration) time.Duration { return max / 2 }),
	)
}

const okBody = `{"candidates":[{"content":{"parts":[{"text":"{\"pepites\": []}"}]}}],"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":10,"totalTokenCount":110}}`

func TestAnalyzeSendsFramesAndKey(t *testing.T) {
	srv, calls := geminiServer(t, []int{200}, okBody)
	g := newTestGateway(srv.URL, &sleepRecorder{})

	resp, err := g.Analyze(context.Background(), "secret-key", "Vinted", []string{"AAAA", "BBBB"}, "1. Lamp | 10 €")
	require.NoError(t, err)
	assert.Equal(t, `{"pepites": []}`, resp.Text())

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "secret-key", got[0].Key)

	parts := got[0].Body.Contents[0].Parts
	require.Len(t, parts, 3)
	assert.Contains(t, parts[0].Text, "Vinted")
	assert.Contains(t, parts[0].Text, "1. Lamp | 10 €")
	assert.Equal(t, &InlineData{MIMEType: "image/jpeg", Data: "AAAA"}, parts[1].InlineData)
	assert.Equal(t, "BBBB", parts[2].InlineData.Data)
	assert.Equal(t, generationMaxTokens, got[0].Body.GenerationConfig.MaxOutputTokens)
}

func TestAnalyzeWithoutFramesSendsTextOnly(t *testing.T) {
	srv, calls := geminiServer(t, []int{200}, okBody)
	g := newTestGateway(srv.URL, &sleepRecorder{})

	_, err := g.Analyze(context.Background(), "k", "Leboncoin", nil, "1. Bike | 80 €")
	require.NoError(t, err)

	parts := calls()[0].Body.Contents[0].Parts
	require.Len(t, parts, 1)
	assert.Nil(t, parts[0].InlineData)
	assert.Contains(t, parts[0].Text, "1. Bike | 80 €")
}

func TestAnalyzeCapsFrames(t *testing.T) {
	frames := make([]string, MaxFramesPerRequest+3)
	for i := range frames {
		frames[i] = strings.Repeat("x", i+1)
	}
	req := buildRequest("src", frames, "")
	parts := req.Contents[0].Parts
	require.Len(t, parts, MaxFramesPerRequest+1)
	// most recent frames are kept
	assert.Equal(t, frames[len(frames)-1], parts[len(parts)-1].InlineData.Data)
	assert.Equal(t, frames[3], parts[1].InlineData.Data)
}

func TestAnalyzeMissingCredentialMakesNoCall(t *testing.T) {
	srv, calls := geminiServer(t, []int{200}, okBody)
	g := newTestGateway(srv.URL, &sleepRecorder{})

	for _, cred := range []string{"", "   "} {
		_, err := g.Analyze(context.Background(), cred, "src", []string{"AAAA"}, "")
		assert.ErrorIs(t, err, ErrMissingCredential)
	}
	assert.Empty(t, calls())
}

func TestAnalyzeRetriesRateLimitThenGivesUp(t *testing.T) {
	srv, calls := geminiServer(t, []int{429}, okBody)
	sleeper := &sleepRecorder{}
	g := newTestGateway(srv.URL, sleeper)

	_, err := g.Analyze(context.Background(), "k", "src", []string{"AAAA"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var llmErr *Error
	require.True(t, errors.As(err, &llmErr))
	assert.NotEmpty(t, llmErr.Message)

	assert.Len(t, calls(), MaxRetries+1)
	require.Len(t, sleeper.delays, MaxRetries)
	for i, d := range sleeper.delays {
		min := BaseDelay * time.Duration(1<<i)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, min+MaxJitter)
	}
}

func TestAnalyzeRecoversAfterUnavailable(t *testing.T) {
	srv, calls := geminiServer(t, []int{503, 503, 200}, okBody)
	sleeper := &sleepRecorder{}
	g := newTestGateway(srv.URL, sleeper)

	resp, err := g.Analyze(context.Background(), "k", "src", nil, "x")
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Len(t, calls(), 3)
	assert.Len(t, sleeper.delays, 2)
}

func TestAnalyzeInvalidCredentialDoesNotRetry(t *testing.T) {
	for _, status := range []int{400, 403} {
		srv, calls := geminiServer(t, []int{status}, okBody)
		g := newTestGateway(srv.URL, &sleepRecorder{})

		_, err := g.Analyze(context.Background(), "bad", "src", nil, "x")
		assert.ErrorIs(t, err, ErrInvalidCredential)
		assert.Len(t, calls(), 1)
	}
}

func TestAnalyzeOtherStatusIsUpstreamError(t *testing.T) {
	srv, calls := geminiServer(t, []int{500}, okBody)
	g := newTestGateway(srv.URL, &sleepRecorder{})

	_, err := g.Analyze(context.Background(), "k", "src", nil, "x")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "upstream says no")
	assert.Len(t, calls(), 1)
}

type transportFunc func(ctx context.Context, credential string, req *GenerateRequest) (*Response, error)

func (f transportFunc) Generate(ctx context.Context, credential string, req *GenerateRequest) (*Response, error) {
	return f(ctx, credential, req)
}

func TestAnalyzeNetworkFailure(t *testing.T) {
	calls := 0
	tr := transportFunc(func(ctx context.Context, credential string, req *GenerateRequest) (*Response, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	g := NewGateway(tr, WithSleep((&sleepRecorder{}).sleep))

	_, err := g.Analyze(context.Background(), "k", "src", nil, "x")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, MaxRetries+1, calls)
}

func TestAnalyzeCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	tr := transportFunc(func(ctx context.Context, credential string, req *GenerateRequest) (*Response, error) {
		calls++
		cancel()
		return nil, &StatusError{StatusCode: 429}
	})
	g := NewGateway(tr, WithSleep(sleepContext))

	_, err := g.Analyze(ctx, "k", "src", nil, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	g := NewGateway(nil, WithJitter(func(time.Duration) time.Duration { return 0 }))
	assert.Equal(t, 2*time.Second, g.backoff(1))
	assert.Equal(t, 4*time.Second, g.backoff(2))
	assert.Equal(t, 8*time.Second, g.backoff(3))
	assert.Equal(t, 16*time.Second, g.backoff(4))
}

func TestRandomJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := randomJitter(MaxJitter)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.LessOrEqual(t, j, MaxJitter)
	}
	assert.Equal(t, time.Duration(0), randomJitter(0))
}

func TestRESTTransportMalformedBody(t *testing.T) {
	srv, _ := geminiServer(t, []int{200}, `not json`)
	tr := NewRESTTransport(RESTOpts{BaseURL: srv.URL})

	_, err := tr.Generate(context.Background(), "k", buildRequest("src", nil, "x"))
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.30+2.50, calculateCost(1_000_000, 1_000_000), 1e-9)
}

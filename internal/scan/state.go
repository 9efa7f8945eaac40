package scan

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/raine/deal-scout/internal/deals"
	"github.com/raine/deal-scout/internal/llm"
	"github.com/raine/deal-scout/internal/storage"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSetup     Phase = "setup"
	PhaseRecording Phase = "recording"
	PhaseAnalyzing Phase = "analyzing"
	PhaseDone      Phase = "done"
	PhaseError     Phase = "error"
)

// canStart reports whether a new session may begin from p.
func (p Phase) canStart() bool {
	switch p {
	case PhaseIdle, PhaseSetup, PhaseDone, PhaseError:
		return true
	}
	return false
}

var (
	ErrSessionActive = errors.New("a scan session is already in progress")
	ErrNotRecording  = errors.New("no scan is recording")
	ErrNoTarget      = errors.New("a merchant name or url is required")
	ErrClosed        = errors.New("scan machine is closed")
)

// Target is what the user scans: a known merchant or a custom URL.
type Target struct {
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Name is the source name handed to the model and stamped on deals.
func (t Target) Name() string {
	if s := strings.TrimSpace(t.Source); s != "" {
		return s
	}
	raw := strings.TrimSpace(t.URL)
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Host, "www.")
	}
	return raw
}

// State is a read-only view of the current session.
type State struct {
	ID         string        `json:"id,omitempty"`
	Phase      Phase         `json:"phase"`
	Target     Target        `json:"target"`
	StartedAt  time.Time     `json:"startedAt,omitzero"`
	Elapsed    time.Duration `json:"elapsed"`
	FrameCount int           `json:"frameCount"`
	AdCount    int           `json:"adCount"`
	DealIDs    []string      `json:"dealIds,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (s State) clone() State {
	s.DealIDs = append([]string(nil), s.DealIDs...)
	return s
}

// PageView is the live page the user browses. Requests are fire-and-forget;
// frames and extracted ads come back through Machine.AddFrame and
// Machine.HandlePageMessage.
type PageView interface {
	RequestFrame(ctx context.Context) error
	RequestExtraction(ctx context.Context) error
}

// PendingClearer is implemented by page views that queue requests. Queued
// requests are dropped when a session starts or is reset so they never leak
// into the next session.
type PendingClearer interface {
	ClearPending()
}

type DealFinder interface {
	FindDeals(ctx context.Context, req llm.Request) ([]deals.Deal, error)
}

type DealStore interface {
	Add(newDeals []deals.Deal) error
}

type SettingsSource interface {
	LoadSettings() (storage.Settings, error)
}

type Notifier interface {
	NotifyDeals(ctx context.Context, found []deals.Deal, profitTotal string) error
}

// Config holds the session timing.
type Config struct {
	MaxDuration     time.Duration
	CaptureInterval time.Duration
	ExtractInterval time.Duration
	ElapsedInterval time.Duration
	// FinalExtractionGrace is how long ads are still accepted after the
	// final extraction request before the snapshot is taken.
	FinalExtractionGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDuration:          30 * time.Second,
		CaptureInterval:      3 * time.Second,
		ExtractInterval:      1500 * time.Millisecond,
		ElapsedInterval:      time.Second,
		FinalExtractionGrace: 750 * time.Millisecond,
	}
}

// UserMessage returns the text shown for a failed session.
func UserMessage(err error) string {
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Message
	}
	return err.Error()
}

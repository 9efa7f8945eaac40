package api

import (
	"context"
	"sync"
)

type CommandType string

const (
	CommandCaptureFrame CommandType = "capture_frame"
	CommandExtractAds   CommandType = "extract_ads"
)

type Command struct {
	Seq  int64       `json:"seq"`
	Type CommandType `json:"type"`
}

// RemotePage is the page view driven by the app shell over HTTP. Capture and
// extraction requests are queued until the shell long-polls for them. A
// command type that is already pending is not queued twice.
type RemotePage struct {
	mu      sync.Mutex
	seq     int64
	pending []Command
	wake    chan struct{}
}

func NewRemotePage() *RemotePage {
	return &RemotePage{wake: make(chan struct{})}
}

func (p *RemotePage) RequestFrame(ctx context.Context) error {
	p.push(CommandCaptureFrame)
	return nil
}

func (p *RemotePage) RequestExtraction(ctx context.Context) error {
	p.push(CommandExtractAds)
	return nil
}

func (p *RemotePage) push(t CommandType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.pending {
		if c.Type == t {
			return
		}
	}
	p.seq++
	p.pending = append(p.pending, Command{Seq: p.seq, Type: t})
	close(p.wake)
	p.wake = make(chan struct{})
}

// ClearPending drops queued commands that were never polled.
func (p *RemotePage) ClearPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

// Next waits until commands are pending or ctx ends and returns everything
// queued so far. It returns an empty slice on timeout.
func (p *RemotePage) Next(ctx context.Context) []Command {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			out := p.pending
			p.pending = nil
			p.mu.Unlock()
			return out
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return []Command{}
		case <-wake:
		}
	}
}

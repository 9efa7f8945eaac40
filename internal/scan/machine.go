package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/raine/deal-scout/internal/capture"
	"github.com/raine/deal-scout/internal/deals"
	"github.com/raine/deal-scout/internal/llm"
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evReset
	evFrame
	evAds
	evTick
	evDeadline
	evSnapshot
	evResult
)

func (k eventKind) String() string {
	return [...]string{"start", "stop", "reset", "frame", "ads", "tick", "deadline", "snapshot", "result"}[k]
}

// event is a message processed by the machine worker. gen ties timer and
// analysis events to the session that produced them.
type event struct {
	kind   eventKind
	gen    int
	target Target
	frame  string
	ads    []capture.ExtractedAd
	found  []deals.Deal
	err    error
	reply  chan error
}

type Deps struct {
	Page     PageView
	Finder   DealFinder
	Store    DealStore
	Settings SettingsSource
	// Notifier is optional.
	Notifier Notifier
}

// Machine runs the scan session lifecycle. All session state is owned by a
// single worker goroutine; public methods only post events to it.
type Machine struct {
	cfg  Config
	deps Deps

	inbox  chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Worker-owned
	agg      *capture.Aggregator
	gen      int
	tasks    *taskGroup
	snapshot bool
	current  State

	mu        sync.RWMutex
	published State
	onChange  func(State)

	now func() time.Time
}

func NewMachine(cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = def.CaptureInterval
	}
	if cfg.ExtractInterval <= 0 {
		cfg.ExtractInterval = def.ExtractInterval
	}
	if cfg.ElapsedInterval <= 0 {
		cfg.ElapsedInterval = def.ElapsedInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:     cfg,
		deps:    deps,
		inbox:   make(chan event, 64),
		ctx:     ctx,
		cancel:  cancel,
		agg:     capture.NewAggregator(),
		current: State{Phase: PhaseIdle},
		now:     time.Now,
	}
	m.published = m.current.clone()
	return m
}

// OnChange registers a callback invoked from the worker after every state
// change. Must be called before StartWorker.
func (m *Machine) OnChange(fn func(State)) {
	m.onChange = fn
}

func (m *Machine) StartWorker() {
	m.wg.Add(1)
	go m.runWorker()
}

// Close stops the worker, any recording timers and waits for in-flight
// analysis goroutines to observe cancellation.
func (m *Machine) Close() {
	m.cancel()
	m.wg.Wait()
}

// State returns a copy of the current session state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published.clone()
}

// Start begins recording target. It fails with ErrSessionActive while a
// session is recording or analyzing.
func (m *Machine) Start(target Target) error {
	if target.Name() == "" {
		return ErrNoTarget
	}
	return m.sendSync(event{kind: evStart, target: target})
}

// Stop ends recording and starts the analysis.
func (m *Machine) Stop() error {
	return m.sendSync(event{kind: evStop})
}

// Reset discards a finished session and returns to setup.
func (m *Machine) Reset() error {
	return m.sendSync(event{kind: evReset})
}

// AddFrame queues a base64 screenshot for the current session.
func (m *Machine) AddFrame(blob string) {
	m.send(event{kind: evFrame, frame: blob})
}

// AddAds queues extracted ads for the current session.
func (m *Machine) AddAds(ads []capture.ExtractedAd) {
	if len(ads) == 0 {
		return
	}
	m.send(event{kind: evAds, ads: ads})
}

// HandlePageMessage decodes a message posted by the page view. Messages that
// cannot be decoded are logged and dropped.
func (m *Machine) HandlePageMessage(raw []byte) error {
	ads, err := capture.ParseMessage(raw)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping page message")
		return err
	}
	m.AddAds(ads)
	return nil
}

func (m *Machine) send(ev event) bool {
	select {
	case m.inbox <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Machine) sendSync(ev event) error {
	ev.reply = make(chan error, 1)
	if !m.send(ev) {
		return ErrClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// post is used by timers and analysis goroutines. It gives up when ctx ends
// so a stopping task group never blocks on a full inbox.
func (m *Machine) post(ctx context.Context, ev event) {
	select {
	case m.inbox <- ev:
	case <-ctx.Done():
	}
}

func (m *Machine) runWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			if m.tasks != nil {
				m.tasks.Stop()
				m.tasks = nil
			}
			for {
				select {
				case ev := <-m.inbox:
					if ev.reply != nil {
						ev.reply <- ErrClosed
					}
				default:
					return
				}
			}
		case ev := <-m.inbox:
			m.process(ev)
		}
	}
}

func (m *Machine) process(ev event) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", ev.kind.String()).
				Interface("panic", r).
				Msg("recovered from panic in scan worker")
			err = fmt.Errorf("internal error: %v", r)
		}
		if ev.reply != nil {
			ev.reply <- err
		}
	}()

	err = m.handle(ev)
}

func (m *Machine) handle(ev event) error {
	switch ev.kind {
	case evStart:
		return m.startSession(ev.target)
	case evStop:
		if m.current.Phase != PhaseRecording {
			return ErrNotRecording
		}
		m.beginAnalysis("stopped")
	case evReset:
		if !m.current.Phase.canStart() {
			return ErrSessionActive
		}
		m.gen++
		m.agg.Reset()
		m.clearPendingRequests()
		m.setState(State{Phase: PhaseSetup})
		log.Info().Msg("scan session reset")
	case evFrame:
		if m.current.Phase != PhaseRecording {
			return nil
		}
		if !m.agg.AddFrame(ev.frame) {
			log.Debug().Int("bytes", len(ev.frame)).Msg("dropped undersized frame")
			return nil
		}
		m.update(func(s *State) { s.FrameCount = m.agg.FrameCount() })
	case evAds:
		if !m.acceptingAds() {
			return nil
		}
		added := m.agg.AddExtractedAds(ev.ads)
		log.Debug().Int("received", len(ev.ads)).Int("added", added).Int("total", m.agg.AdCount()).Msg("extracted ads")
		if added > 0 {
			m.update(func(s *State) { s.AdCount = m.agg.AdCount() })
		}
	case evTick:
		if ev.gen != m.gen || m.current.Phase != PhaseRecording {
			return nil
		}
		m.update(func(s *State) { s.Elapsed = m.now().Sub(s.StartedAt) })
	case evDeadline:
		if ev.gen != m.gen || m.current.Phase != PhaseRecording {
			return nil
		}
		m.beginAnalysis("duration reached")
	case evSnapshot:
		if ev.gen != m.gen || m.current.Phase != PhaseAnalyzing || m.snapshot {
			return nil
		}
		m.runAnalysis()
	case evResult:
		if ev.gen != m.gen || m.current.Phase != PhaseAnalyzing {
			return nil
		}
		m.finish(ev.found, ev.err)
	}
	return nil
}

func (m *Machine) acceptingAds() bool {
	return m.current.Phase == PhaseRecording || (m.current.Phase == PhaseAnalyzing && !m.snapshot)
}

func (m *Machine) startSession(target Target) error {
	if !m.current.Phase.canStart() {
		return ErrSessionActive
	}

	m.gen++
	m.agg.Reset()
	m.clearPendingRequests()
	m.snapshot = false

	startedAt := m.now()
	m.setState(State{
		ID:        uuid.NewString(),
		Phase:     PhaseRecording,
		Target:    target,
		StartedAt: startedAt,
	})

	gen := m.gen
	m.tasks = newTaskGroup(m.ctx)
	m.tasks.Every(m.cfg.CaptureInterval, func(ctx context.Context) {
		if err := m.deps.Page.RequestFrame(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("frame capture request failed")
		}
	})
	m.tasks.Every(m.cfg.ExtractInterval, func(ctx context.Context) {
		if err := m.deps.Page.RequestExtraction(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("extraction request failed")
		}
	})
	m.tasks.Every(m.cfg.ElapsedInterval, func(ctx context.Context) {
		m.post(ctx, event{kind: evTick, gen: gen})
	})
	m.tasks.After(m.cfg.MaxDuration, func(ctx context.Context) {
		m.post(ctx, event{kind: evDeadline, gen: gen})
	})

	log.Info().
		Str("sessionId", m.current.ID).
		Str("source", target.Name()).
		Dur("maxDuration", m.cfg.MaxDuration).
		Msg("scan recording started")
	return nil
}

func (m *Machine) clearPendingRequests() {
	if c, ok := m.deps.Page.(PendingClearer); ok {
		c.ClearPending()
	}
}

// beginAnalysis leaves recording: timers stop, one last extraction is
// requested and the snapshot is taken after the grace period.
func (m *Machine) beginAnalysis(reason string) {
	if m.tasks != nil {
		m.tasks.Stop()
		m.tasks = nil
	}

	m.update(func(s *State) {
		s.Phase = PhaseAnalyzing
		s.Elapsed = m.now().Sub(s.StartedAt)
	})
	log.Info().
		Str("sessionId", m.current.ID).
		Str("reason", reason).
		Dur("elapsed", m.current.Elapsed).
		Int("frames", m.agg.FrameCount()).
		Int("ads", m.agg.AdCount()).
		Msg("scan recording ended")

	if err := m.deps.Page.RequestExtraction(m.ctx); err != nil {
		log.Warn().Err(err).Msg("final extraction request failed")
	}

	if m.cfg.FinalExtractionGrace <= 0 {
		m.runAnalysis()
		return
	}

	gen := m.gen
	grace := m.cfg.FinalExtractionGrace
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
		case <-timer.C:
			m.post(m.ctx, event{kind: evSnapshot, gen: gen})
		}
	}()
}

// runAnalysis snapshots the evidence and calls the finder in the background.
// The call runs under the machine context only, so users cannot cancel it.
func (m *Machine) runAnalysis() {
	m.snapshot = true
	snap := m.agg.Snapshot()

	settings, err := m.deps.Settings.LoadSettings()
	if err != nil {
		m.finish(nil, fmt.Errorf("failed to load settings: %w", err))
		return
	}

	req := llm.Request{
		Credential: settings.APIKey,
		Source:     m.current.Target.Name(),
		Evidence:   snap,
	}

	gen := m.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		found, err := m.deps.Finder.FindDeals(m.ctx, req)
		m.post(m.ctx, event{kind: evResult, gen: gen, found: found, err: err})
	}()
}

// finish persists the results and settles the session in done or error.
func (m *Machine) finish(found []deals.Deal, err error) {
	// Evidence is released before the final state is published.
	m.agg.Reset()

	if err != nil {
		log.Error().Err(err).Str("sessionId", m.current.ID).Msg("scan analysis failed")
		m.update(func(s *State) {
			s.Phase = PhaseError
			s.Error = UserMessage(err)
		})
		return
	}

	if err := m.deps.Store.Add(found); err != nil {
		log.Error().Err(err).Str("sessionId", m.current.ID).Msg("failed to save deals")
		m.update(func(s *State) {
			s.Phase = PhaseError
			s.Error = fmt.Sprintf("Could not save the results: %v", err)
		})
		return
	}

	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.ID
	}
	m.update(func(s *State) {
		s.Phase = PhaseDone
		s.DealIDs = ids
	})
	log.Info().Str("sessionId", m.current.ID).Int("deals", len(found)).Msg("scan complete")

	m.notify(found)
}

func (m *Machine) notify(found []deals.Deal) {
	if m.deps.Notifier == nil || len(found) == 0 {
		return
	}
	settings, err := m.deps.Settings.LoadSettings()
	if err != nil || !settings.NotificationsEnabled {
		return
	}

	total := deals.FormatProfit(deals.TotalProfit(found))
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.deps.Notifier.NotifyDeals(m.ctx, found, total); err != nil {
			log.Warn().Err(err).Msg("failed to send deal notification")
		}
	}()
}

func (m *Machine) setState(s State) {
	m.current = s
	m.publish()
}

func (m *Machine) update(fn func(s *State)) {
	fn(&m.current)
	m.publish()
}

func (m *Machine) publish() {
	snapshot := m.current.clone()
	m.mu.Lock()
	m.published = snapshot
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(snapshot.clone())
	}
}

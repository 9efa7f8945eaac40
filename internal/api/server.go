package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/raine/deal-scout/internal/capture"
	"github.com/raine/deal-scout/internal/deals"
	"github.com/raine/deal-scout/internal/scan"
	"github.com/raine/deal-scout/internal/storage"
)

const (
	maxFrameBytes   = 16 << 20
	maxMessageBytes = 2 << 20
	maxHTMLBytes    = 8 << 20

	defaultPollWait = 25 * time.Second
	maxPollWait     = 60 * time.Second
)

// Session is the scan machine as seen by the API.
type Session interface {
	State() scan.State
	Start(target scan.Target) error
	Stop() error
	Reset() error
	AddFrame(blob string)
	AddAds(ads []capture.ExtractedAd)
	HandlePageMessage(raw []byte) error
}

type DealStore interface {
	List(view deals.View) []deals.Deal
	Get(id string) (deals.Deal, bool)
	ToggleFavorite(id string) (deals.Deal, error)
	Trash(id string) (deals.Deal, error)
	Restore(id string) (deals.Deal, error)
	Purge(id string) error
	PurgeTrashed() (int, error)
	Stats() deals.Stats
}

// SettingsStore applies updates as one serialized read-modify-write.
type SettingsStore interface {
	LoadSettings() (storage.Settings, error)
	UpdateSettings(fn func(settings *storage.Settings)) (storage.Settings, error)
}

type Opts struct {
	Session        Session
	Page           *RemotePage
	Deals          DealStore
	Settings       SettingsStore
	AllowedOrigins []string
}

type Server struct {
	session  Session
	page     *RemotePage
	deals    DealStore
	settings SettingsStore
	origins  []string
}

func NewServer(opts Opts) *Server {
	return &Server{
		session:  opts.Session,
		page:     opts.Page,
		deals:    opts.Deals,
		settings: opts.Settings,
		origins:  opts.AllowedOrigins,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsHandler(s.origins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/start", s.startSession)
			r.Post("/stop", s.stopSession)
			r.Post("/reset", s.resetSession)
			r.Get("/commands", s.pollCommands)
			r.Post("/frames", s.postFrame)
			r.Post("/messages", s.postMessage)
			r.Post("/html", s.postHTML)
		})

		r.Route("/deals", func(r chi.Router) {
			r.Get("/", s.listDeals)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getDeal)
				r.Delete("/", s.purgeDeal)
				r.Post("/favorite", s.mutateDeal(s.deals.ToggleFavorite))
				r.Post("/trash", s.mutateDeal(s.deals.Trash))
				r.Post("/restore", s.mutateDeal(s.deals.Restore))
			})
		})
		r.Delete("/trash", s.emptyTrash)

		r.Get("/stats", s.getStats)
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
	})

	return r
}

// --- Session ---

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.session.State())
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var target scan.Target
	if err := decodeJSON(r, maxMessageBytes, &target); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.session.Start(target); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, s.session.State())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Stop(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, s.session.State())
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeOK(w, s.session.State())
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scan.ErrSessionActive), errors.Is(err, scan.ErrNotRecording):
		writeConflict(w, err.Error())
	case errors.Is(err, scan.ErrNoTarget):
		writeBadRequest(w, err.Error())
	default:
		writeInternalError(w, err)
	}
}

// pollCommands long-polls for capture and extraction commands. The wait
// query parameter is a duration like "10s".
func (s *Server) pollCommands(w http.ResponseWriter, r *http.Request) {
	wait := defaultPollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeBadRequest(w, "invalid wait duration")
			return
		}
		wait = min(d, maxPollWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	writeOK(w, s.page.Next(ctx))
}

type frameRequest struct {
	Data string `json:"data"`
}

func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	var req frameRequest
	if err := decodeJSON(r, maxFrameBytes, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	data := req.Data
	if i := strings.Index(data, ";base64,"); i >= 0 && strings.HasPrefix(data, "data:") {
		data = data[i+len(";base64,"):]
	}
	s.session.AddFrame(data)
	writeData(w, http.StatusAccepted, nil)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeBadRequest(w, "failed to read body")
		return
	}
	if err := s.session.HandlePageMessage(raw); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeData(w, http.StatusAccepted, nil)
}

type htmlResult struct {
	Extracted int `json:"extracted"`
}

// postHTML extracts ads from a raw page. baseUrl resolves relative links.
func (s *Server) postHTML(w http.ResponseWriter, r *http.Request) {
	ads, err := capture.ExtractAdsFromHTML(http.MaxBytesReader(w, r.Body, maxHTMLBytes), r.URL.Query().Get("baseUrl"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.session.AddAds(ads)
	writeData(w, http.StatusAccepted, htmlResult{Extracted: len(ads)})
}

// --- Deals ---

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	view, ok := deals.ParseView(r.URL.Query().Get("view"))
	if !ok {
		writeBadRequest(w, "view must be one of active, favorites, trashed")
		return
	}
	list := s.deals.List(view)
	if list == nil {
		list = []deals.Deal{}
	}
	writeOK(w, list)
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	d, ok := s.deals.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, deals.ErrNotFound.Error())
		return
	}
	writeOK(w, d)
}

func (s *Server) mutateDeal(fn func(id string) (deals.Deal, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := fn(chi.URLParam(r, "id"))
		if err != nil {
			s.writeDealError(w, err)
			return
		}
		writeOK(w, d)
	}
}

func (s *Server) purgeDeal(w http.ResponseWriter, r *http.Request) {
	if err := s.deals.Purge(chi.URLParam(r, "id")); err != nil {
		s.writeDealError(w, err)
		return
	}
	writeOK(w, nil)
}

type purgeResult struct {
	Purged int `json:"purged"`
}

func (s *Server) emptyTrash(w http.ResponseWriter, r *http.Request) {
	n, err := s.deals.PurgeTrashed()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeOK(w, purgeResult{Purged: n})
}

func (s *Server) writeDealError(w http.ResponseWriter, err error) {
	if errors.Is(err, deals.ErrNotFound) {
		writeNotFound(w, err.Error())
		return
	}
	writeInternalError(w, err)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.deals.Stats())
}

// --- Settings ---

type settingsView struct {
	HasAPIKey            bool `json:"hasApiKey"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
	OnboardingComplete   bool `json:"onboardingComplete"`
}

type settingsUpdate struct {
	APIKey               *string `json:"apiKey"`
	NotificationsEnabled *bool   `json:"notificationsEnabled"`
	OnboardingComplete   *bool   `json:"onboardingComplete"`
}

func toSettingsView(st storage.Settings) settingsView {
	return settingsView{
		HasAPIKey:            st.HasAPIKey(),
		NotificationsEnabled: st.NotificationsEnabled,
		OnboardingComplete:   st.OnboardingComplete,
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.LoadSettings()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeOK(w, toSettingsView(st))
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var upd settingsUpdate
	if err := decodeJSON(r, maxMessageBytes, &upd); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	st, err := s.settings.UpdateSettings(func(st *storage.Settings) {
		if upd.APIKey != nil {
			st.APIKey = strings.TrimSpace(*upd.APIKey)
		}
		if upd.NotificationsEnabled != nil {
			st.NotificationsEnabled = *upd.NotificationsEnabled
		}
		if upd.OnboardingComplete != nil {
			st.OnboardingComplete = *upd.OnboardingComplete
		}
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	log.Info().Bool("hasApiKey", st.HasAPIKey()).Bool("notifications", st.NotificationsEnabled).Msg("settings updated")
	writeOK(w, toSettingsView(st))
}

func decodeJSON(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

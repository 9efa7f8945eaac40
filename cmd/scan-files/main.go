package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/raine/deal-scout/internal/capture"
	"github.com/raine/deal-scout/internal/config"
	"github.com/raine/deal-scout/internal/deals"
	"github.com/raine/deal-scout/internal/llm"
	"github.com/raine/deal-scout/internal/scan"
	"github.com/raine/deal-scout/internal/storage"
)

// filePage replays screenshots from disk as captured frames and answers
// extraction requests with ads parsed from a saved HTML page. Results are
// delivered asynchronously, like the live page does.
type filePage struct {
	mu      sync.Mutex
	frames  []string
	next    int
	ads     []capture.ExtractedAd
	machine *scan.Machine
}

func (p *filePage) RequestFrame(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	frame := p.frames[p.next%len(p.frames)]
	p.next++
	go p.machine.AddFrame(frame)
	return nil
}

func (p *filePage) RequestExtraction(ctx context.Context) error {
	if len(p.ads) > 0 {
		go p.machine.AddAds(p.ads)
	}
	return nil
}

// envKeySettings falls back to GEMINI_API_KEY when no key is stored.
type envKeySettings struct {
	store *storage.SQLiteStore
	key   string
}

func (s envKeySettings) LoadSettings() (storage.Settings, error) {
	settings, err := s.store.LoadSettings()
	if err != nil {
		return settings, err
	}
	if !settings.HasAPIKey() {
		settings.APIKey = s.key
	}
	return settings, nil
}

func main() {
	var dir, htmlPath, source, pageURL string
	var duration, interval time.Duration

	flag.StringVar(&dir, "dir", "", "Directory of JPEG screenshots")
	flag.StringVar(&htmlPath, "html", "", "Saved listing page HTML")
	flag.StringVar(&source, "source", "", "Marketplace name (defaults to the URL host)")
	flag.StringVar(&pageURL, "url", "", "Page URL, also used to resolve relative links")
	flag.DurationVar(&duration, "duration", 10*time.Second, "Recording length")
	flag.DurationVar(&interval, "interval", time.Second, "Frame capture interval")
	flag.Parse()

	if dir == "" && htmlPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -dir <screenshots> [-html page.html] [-url https://...] [-source name]\n", os.Args[0])
		os.Exit(1)
	}

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	page := &filePage{}
	if dir != "" {
		if page.frames, err = readFrames(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read screenshots: %v\n", err)
			os.Exit(1)
		}
	}
	if htmlPath != "" {
		if page.ads, err = readAds(htmlPath, pageURL); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read HTML: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("Loaded %d frames and %d ads\n", len(page.frames), len(page.ads))

	store, err := storage.NewSQLiteStore(cfg.DBPath, cfg.Secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database at %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	defer store.Close()

	dealStore, err := deals.NewStore(store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading deals: %v\n", err)
		os.Exit(1)
	}

	transport := llm.NewRESTTransport(llm.RESTOpts{BaseURL: cfg.GeminiBaseURL, Model: cfg.GeminiModel})
	finder := llm.NewFinder(llm.NewGateway(transport), llm.NewParser(nil), store)

	scanCfg := scan.DefaultConfig()
	scanCfg.MaxDuration = duration
	scanCfg.CaptureInterval = interval

	machine := scan.NewMachine(scanCfg, scan.Deps{
		Page:     page,
		Finder:   finder,
		Store:    dealStore,
		Settings: envKeySettings{store: store, key: cfg.GeminiAPIKey},
	})
	page.machine = machine

	finished := make(chan scan.State, 1)
	machine.OnChange(func(s scan.State) {
		if s.Phase == scan.PhaseDone || s.Phase == scan.PhaseError {
			select {
			case finished <- s:
			default:
			}
		}
	})
	machine.StartWorker()
	defer machine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := machine.Start(scan.Target{Source: source, URL: pageURL}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Recording for %s...\n", duration)

	var final scan.State
	select {
	case <-ctx.Done():
		fmt.Println("Interrupted")
		return
	case final = <-finished:
	}

	if final.Phase == scan.PhaseError {
		fmt.Fprintf(os.Stderr, "Scan failed: %s\n", final.Error)
		os.Exit(1)
	}

	var found []deals.Deal
	for _, id := range final.DealIDs {
		if d, ok := dealStore.Get(id); ok {
			found = append(found, d)
		}
	}
	printDeals(found)
}

func readFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		frames = append(frames, base64.StdEncoding.EncodeToString(data))
	}
	return frames, nil
}

func readAds(path, baseURL string) ([]capture.ExtractedAd, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return capture.ExtractAdsFromHTML(f, baseURL)
}

func printDeals(found []deals.Deal) {
	if len(found) == 0 {
		fmt.Println("No deals found")
		return
	}
	fmt.Printf("Found %d deals, %s potential profit\n\n", len(found), deals.FormatProfit(deals.TotalProfit(found)))
	for _, d := range found {
		fmt.Printf("%s\n", d.Title)
		fmt.Printf("  Price:     %.2f €\n", d.SellerPrice)
		fmt.Printf("  Value:     %.2f €\n", d.EstimatedValue)
		fmt.Printf("  Profit:    %.2f €\n", d.Profit)
		fmt.Printf("  Category:  %s\n", d.Category)
		if d.SourceURL != "" {
			fmt.Printf("  Link:      %s\n", d.SourceURL)
		}
		fmt.Println()
	}
}

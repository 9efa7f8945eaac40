package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/raine/deal-scout/internal/capture"
	"github.com/raine/deal-scout/internal/deals"
	"github.com/rs/zerolog/log"
)

// Analyzer is the part of Gateway the finder needs.
type Analyzer interface {
	Analyze(ctx context.Context, credential, sourceName string, frames []string, supplementaryText string) (*Response, error)
}

// AnalysisCache stores raw model responses keyed by evidence hash.
type AnalysisCache interface {
	GetAnalysisCache(hash string) (string, bool, error)
	SetAnalysisCache(hash, response string) error
}

// Request is one analysis of captured evidence.
type Request struct {
	Credential string
	Source     string
	Evidence   capture.Snapshot
}

// Finder runs the gateway and parser over a capture snapshot.
type Finder struct {
	analyzer Analyzer
	parser   *Parser
	cache    AnalysisCache
}

// NewFinder creates a finder. cache may be nil.
func NewFinder(analyzer Analyzer, parser *Parser, cache AnalysisCache) *Finder {
	if parser == nil {
		parser = NewParser(nil)
	}
	return &Finder{analyzer: analyzer, parser: parser, cache: cache}
}

func (f *Finder) FindDeals(ctx context.Context, req Request) ([]deals.Deal, error) {
	if err := checkCredential(req.Credential); err != nil {
		return nil, err
	}

	text := req.Evidence.Describe()
	hash := hashEvidence(req.Source, req.Evidence.Frames, text)

	if f.cache != nil {
		raw, ok, err := f.cache.GetAnalysisCache(hash)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check analysis cache")
		} else if ok {
			var resp Response
			if err := json.Unmarshal([]byte(raw), &resp); err == nil {
				if found, err := f.parser.Parse(&resp, req.Source); err == nil {
					log.Debug().Str("hash", hash[:16]).Int("deals", len(found)).Msg("analysis cache hit")
					return found, nil
				}
			}
			log.Warn().Str("hash", hash[:16]).Msg("ignoring unreadable analysis cache entry")
		}
	}

	resp, err := f.analyzer.Analyze(ctx, req.Credential, req.Source, req.Evidence.Frames, text)
	if err != nil {
		return nil, err
	}

	found, err := f.parser.Parse(resp, req.Source)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			if err := f.cache.SetAnalysisCache(hash, string(raw)); err != nil {
				log.Warn().Err(err).Msg("failed to cache analysis result")
			}
		}
	}

	log.Info().
		Str("source", req.Source).
		Int("frames", len(req.Evidence.Frames)).
		Int("ads", len(req.Evidence.Ads)).
		Int("deals", len(found)).
		Msg("deal analysis complete")

	return found, nil
}

// hashEvidence hashes the analysis inputs. Each field is length-prefixed to
// prevent boundary collisions.
func hashEvidence(source string, frames []string, text string) string {
	h := sha256.New()
	write := func(s string) {
		binary.Write(h, binary.LittleEndian, int64(len(s)))
		h.Write([]byte(s))
	}
	write(source)
	binary.Write(h, binary.LittleEndian, int64(len(frames)))
	for _, f := range frames {
		write(f)
	}
	write(text)
	return hex.EncodeToString(h.Sum(nil))
}

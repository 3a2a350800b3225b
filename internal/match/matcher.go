// Package match maps free-text declaration values onto a portal's fixed code
// lists. It never returns a code outside the candidate set it was given and
// never returns an error to its caller.
package match

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/model"
)

// ErrMatchRejected marks an AI suggestion that named a code outside the
// offered candidates.
var ErrMatchRejected = eris.New("match: suggested code not in candidate set")

// CandidateLoader supplies the ordered candidate list for a reference type.
type CandidateLoader interface {
	ListCandidates(ctx context.Context, country, referenceType string) ([]model.ReferenceCandidate, error)
}

// Option is one closed-list entry offered to the AI backend.
type Option struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// SuggestRequest asks the backend to pick one of Options for Value.
type SuggestRequest struct {
	ReferenceType string
	Field         string
	Value         string
	Options       []Option
}

// Suggestion is the backend's structured answer. A nil Code means no match.
type Suggestion struct {
	Code       *string
	Label      string
	Confidence model.Confidence
	Reasoning  string
}

// Backend is the AI matching service.
type Backend interface {
	Suggest(ctx context.Context, req SuggestRequest) (*Suggestion, error)
}

// OutcomeKind classifies how a value was (or was not) matched.
type OutcomeKind string

const (
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeExact    OutcomeKind = "exact"
	OutcomeAI       OutcomeKind = "ai"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeNoMatch  OutcomeKind = "no_match"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the detailed result of one match.
type Outcome struct {
	Value  string
	Kind   OutcomeKind
	Detail string
}

// Matched reports whether Value is a candidate code.
func (o Outcome) Matched() bool {
	return o.Kind == OutcomeExact || o.Kind == OutcomeAI
}

// Options configures a Session.
type Options struct {
	AIEnabled bool
	AITimeout time.Duration
}

type cacheKey struct {
	country       string
	referenceType string
}

// Session is a matching context for one submission attempt. Candidate lists
// are loaded once per (country, type) and kept for the session's lifetime.
// A Session is not safe for concurrent use.
type Session struct {
	country   string
	loader    CandidateLoader
	backend   Backend
	opts      Options
	cache     map[cacheKey][]model.ReferenceCandidate
	decisions []model.MatchDecision
	log       *zap.Logger
}

// NewSession creates a session for a target country. backend may be nil, in
// which case only exact matching is available.
func NewSession(country string, loader CandidateLoader, backend Backend, opts Options) *Session {
	if opts.AITimeout <= 0 {
		opts.AITimeout = 20 * time.Second
	}
	return &Session{
		country: country,
		loader:  loader,
		backend: backend,
		opts:    opts,
		cache:   make(map[cacheKey][]model.ReferenceCandidate),
		log:     zap.L().With(zap.String("country", country)),
	}
}

// Decisions returns a copy of the accepted AI decisions, in match order.
func (s *Session) Decisions() []model.MatchDecision {
	out := make([]model.MatchDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Candidates returns the memoized candidate list for referenceType, sorted by
// configured position. Load failures are logged and yield an empty list.
func (s *Session) Candidates(ctx context.Context, referenceType string) []model.ReferenceCandidate {
	key := cacheKey{country: s.country, referenceType: referenceType}
	if c, ok := s.cache[key]; ok {
		return c
	}
	if s.loader == nil {
		return nil
	}

	c, err := s.loader.ListCandidates(ctx, s.country, referenceType)
	if err != nil {
		s.log.Warn("match: load candidates failed",
			zap.String("reference_type", referenceType),
			zap.Error(err),
		)
		return nil
	}
	sort.SliceStable(c, func(i, j int) bool { return c[i].Position < c[j].Position })
	s.cache[key] = c
	return c
}

// MatchField loads the candidates for referenceType and matches raw.
func (s *Session) MatchField(ctx context.Context, field, referenceType, raw string) Outcome {
	return s.MatchDetail(ctx, referenceType, raw, s.Candidates(ctx, referenceType), field)
}

// Match returns the matching candidate code, or raw unchanged.
func (s *Session) Match(ctx context.Context, referenceType, raw string, candidates []model.ReferenceCandidate, field string) string {
	return s.MatchDetail(ctx, referenceType, raw, candidates, field).Value
}

// MatchDetail is Match with the reason attached.
func (s *Session) MatchDetail(ctx context.Context, referenceType, raw string, candidates []model.ReferenceCandidate, field string) Outcome {
	log := s.log.With(zap.String("field", field), zap.String("reference_type", referenceType))

	if strings.TrimSpace(raw) == "" || len(candidates) == 0 {
		return Outcome{Value: raw, Kind: OutcomeSkipped}
	}

	if code, ok := exactMatch(raw, candidates); ok {
		log.Debug("match: exact", zap.String("input", raw), zap.String("code", code))
		return Outcome{Value: code, Kind: OutcomeExact}
	}

	if !s.opts.AIEnabled || s.backend == nil {
		log.Warn("match: no exact match and AI matching disabled", zap.String("input", raw))
		return Outcome{Value: raw, Kind: OutcomeNoMatch, Detail: "no exact match"}
	}

	options := make([]Option, len(candidates))
	for i, c := range candidates {
		options[i] = Option{Code: c.Code, Label: c.Label}
	}

	aiCtx, cancel := context.WithTimeout(ctx, s.opts.AITimeout)
	defer cancel()

	sug, err := s.backend.Suggest(aiCtx, SuggestRequest{
		ReferenceType: referenceType,
		Field:         field,
		Value:         raw,
		Options:       options,
	})
	if err != nil {
		log.Warn("match: AI backend failed", zap.String("input", raw), zap.Error(err))
		return Outcome{Value: raw, Kind: OutcomeError, Detail: err.Error()}
	}
	if sug == nil || sug.Code == nil || strings.TrimSpace(*sug.Code) == "" {
		log.Warn("match: AI found no match", zap.String("input", raw))
		return Outcome{Value: raw, Kind: OutcomeNoMatch, Detail: "AI returned no code"}
	}

	code, ok := offered(*sug.Code, options)
	if !ok {
		log.Warn("match: AI suggestion rejected",
			zap.String("input", raw),
			zap.String("suggested", *sug.Code),
			zap.Error(ErrMatchRejected),
		)
		return Outcome{Value: raw, Kind: OutcomeRejected, Detail: *sug.Code}
	}

	confidence := sug.Confidence
	if confidence == "" {
		confidence = model.ConfidenceMedium
	}
	s.decisions = append(s.decisions, model.MatchDecision{
		Field:         field,
		ReferenceType: referenceType,
		InputValue:    raw,
		MatchedCode:   code,
		Confidence:    confidence,
		Reasoning:     sug.Reasoning,
	})
	log.Info("match: AI match accepted",
		zap.String("input", raw),
		zap.String("code", code),
		zap.String("confidence", string(confidence)),
	)
	return Outcome{Value: code, Kind: OutcomeAI, Detail: string(confidence)}
}

// exactMatch compares raw against each candidate's code and local aliases in
// candidate order. The first hit wins.
func exactMatch(raw string, candidates []model.ReferenceCandidate) (string, bool) {
	want := Normalize(raw)
	for _, c := range candidates {
		if Normalize(c.Code) == want {
			return c.Code, true
		}
		for _, alias := range c.LocalMatches {
			if Normalize(alias) == want {
				return c.Code, true
			}
		}
	}
	return "", false
}

// offered returns the canonical code from options that equals code, ignoring
// surrounding space and case.
func offered(code string, options []Option) (string, bool) {
	code = strings.TrimSpace(code)
	for _, o := range options {
		if o.Code == code {
			return o.Code, true
		}
	}
	for _, o := range options {
		if strings.EqualFold(o.Code, code) {
			return o.Code, true
		}
	}
	return "", false
}

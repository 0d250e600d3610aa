package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"engram/internal/config"
	"engram/internal/memerr"
)

const defaultMaxTokens int64 = 8192

// AnthropicExtractor implements Extractor on the Anthropic messages API.
type AnthropicExtractor struct {
	sdk     anthropic.Client
	model   string
	timeout time.Duration
	sem     *semaphore.Weighted
}

func NewAnthropic(cfg config.ExtractorConfig) *AnthropicExtractor {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	conc := cfg.MaxConcurrency
	if conc <= 0 {
		conc = 4
	}
	return &AnthropicExtractor{
		sdk:     anthropic.NewClient(opts...),
		model:   model,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		sem:     semaphore.NewWeighted(int64(conc)),
	}
}

func (a *AnthropicExtractor) ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error) {
	user := fmt.Sprintf(chunkUserTemplate, req.ChunkIndex, req.ChunkID, req.StartChar, req.Text)
	raw, err := a.complete(ctx, chunkSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var out ChunkExtraction
	if err := decodeJSON(raw, &out); err != nil {
		return nil, err
	}
	for i := range out.Events {
		for j := range out.Events[i].Evidence {
			out.Events[i].Evidence[j].ChunkID = req.ChunkID
		}
	}
	for i := range out.Entities {
		out.Entities[i].ChunkID = req.ChunkID
	}
	log.Debug().Str("chunk_id", req.ChunkID).Int("events", len(out.Events)).
		Int("entities", len(out.Entities)).Int("relationships", len(out.Relationships)).
		Msg("chunk_extracted")
	return &out, nil
}

// Canonicalize runs the cross-chunk dedup prompt. A model failure falls
// back to the concatenated input rather than losing the extraction.
func (a *AnthropicExtractor) Canonicalize(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	payload, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, memerr.Wrap(memerr.KindInternal, err, "marshal events")
	}
	user := fmt.Sprintf(canonicalizeUserTemplate, len(events), payload)
	raw, err := a.complete(ctx, canonicalizeSystemPrompt, user)
	if err != nil {
		log.Warn().Err(err).Msg("canonicalize_fallback_concat")
		return events, nil
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := decodeJSON(raw, &out); err != nil {
		log.Warn().Err(err).Msg("canonicalize_fallback_concat")
		return events, nil
	}
	log.Debug().Int("in", len(events)).Int("out", len(out.Events)).Msg("events_canonicalized")
	return out.Events, nil
}

func (a *AnthropicExtractor) complete(ctx context.Context, system, user string) (string, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", memerr.Wrap(memerr.KindTimeout, err, "extraction slot")
	}
	defer a.sem.Release(1)

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	msg, err := a.sdk.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   defaultMaxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", classify(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", memerr.New(memerr.KindExtraction, "model returned no text content")
	}
	return sb.String(), nil
}

func classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return memerr.Wrap(memerr.KindRateLimit, err, "extraction provider throttled")
		case apierr.StatusCode >= 500:
			return memerr.Wrap(memerr.KindExtraction, err, "extraction provider error")
		default:
			return memerr.Wrap(memerr.KindExtraction, err, "extraction request rejected")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return memerr.Wrap(memerr.KindTimeout, err, "extraction call timed out")
	}
	return memerr.Wrap(memerr.KindExtraction, err, "extraction call failed")
}

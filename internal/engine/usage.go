package engine

import (
	"encoding/json"
	"sync"

	"github.com/agentcompany/agentcompany/internal/tokens"
)

// UsageExtractor pulls a Usage delta out of one line of provider stdout.
// Providers report usage differently (a trailing JSON summary line, a
// per-chunk delta, or not at all); concrete extractors live one per
// provider family, registered in NewExtractor.
type UsageExtractor interface {
	// Extract parses line and returns a usage delta and whether the line
	// actually carried usage data.
	Extract(line string) (Usage, bool)
}

// NewExtractor resolves the extractor to use for a provider name. An
// unrecognized provider falls back to the estimating extractor, which
// never reports usage; when a run ends with no reported tokens, Engine.Wait
// derives usage from prompt/output text via EstimateUsageFromText.
func NewExtractor(providerName string) UsageExtractor {
	switch providerName {
	case "anthropic-cli", "claude-code":
		return &jsonLineExtractor{}
	default:
		return &estimatingExtractor{}
	}
}

// jsonLineExtractor looks for lines that are themselves a JSON object
// with usage-shaped fields, the common shape for CLI agent wrappers that
// emit one JSON object per stdout line (applied to command-mode stdout).
type jsonLineExtractor struct {
	mu      sync.Mutex
	seenIDs map[string]bool // dedup: some providers resend the same usage object on retries
}

type jsonUsageLine struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Usage *struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage,omitempty"`
}

func (e *jsonLineExtractor) Extract(line string) (Usage, bool) {
	var parsed jsonUsageLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil || parsed.Usage == nil {
		return Usage{}, false
	}

	if parsed.ID != "" {
		e.mu.Lock()
		if e.seenIDs == nil {
			e.seenIDs = make(map[string]bool)
		}
		if e.seenIDs[parsed.ID] {
			e.mu.Unlock()
			return Usage{}, false
		}
		e.seenIDs[parsed.ID] = true
		e.mu.Unlock()
	}

	return Usage{
		InputTokens:         parsed.Usage.InputTokens,
		OutputTokens:        parsed.Usage.OutputTokens,
		CacheReadTokens:     parsed.Usage.CacheReadTokens,
		CacheCreationTokens: parsed.Usage.CacheCreationTokens,
	}, true
}

// estimatingExtractor never finds usage in provider stdout, so such runs
// reach Engine.Wait with zero reported tokens and get their usage from
// EstimateUsageFromText over the prompt and collected output.
type estimatingExtractor struct{}

func (e *estimatingExtractor) Extract(line string) (Usage, bool) {
	return Usage{}, false
}

// EstimateUsageFromText derives a best-effort Usage when a provider never
// reports real token counts, using the same tiktoken-based estimator the
// teacher uses for context-budget calculations (internal/tokens).
func EstimateUsageFromText(promptText, outputText string) Usage {
	return Usage{
		InputTokens:  tokens.Estimate(promptText),
		OutputTokens: tokens.Estimate(outputText),
		Estimated:    true,
	}
}

package jobrunner

import (
	"fmt"
	"strings"
)

// codexFamily and claudeFamily name the two provider families the
// result-contract mode and attempt-3 reformatter selection currently
// know about (spec §9 open question: the per-provider-family
// classification is expected to evolve; callers should treat this list
// as configuration, not as the full set of providers ever supported).
const (
	codexFamily  = "codex"
	claudeFamily = "claude"
)

// structuredOutputProviders natively support a result schema and so run
// with result_contract_mode=provider_schema; everything else runs
// prompt_only and relies on ExtractJSONCandidate.
var structuredOutputProviders = map[string]bool{
	codexFamily:  true,
	claudeFamily: true,
}

// ContractMode returns the result_contract_mode for a given provider
// family (spec §4.6 step 3).
func ContractMode(providerFamily string) string {
	if structuredOutputProviders[providerFamily] {
		return "provider_schema"
	}
	return "prompt_only"
}

// ComposePrompt builds the attempt's prompt text per spec §4.6 step 2:
// attempt 1 is the initial goal prompt, attempt 2 is a strict-JSON
// repair prompt carrying the previous raw output and validation errors,
// attempt 3 is a cross-provider reformat prompt. Heartbeat jobs use a
// heartbeat-specific repair prompt in place of the JSON-repair prompt.
func ComposePrompt(spec Spec, attemptNumber int, previousRaw string, previousErrors []ValidationError) string {
	switch attemptNumber {
	case 1:
		return initialPrompt(spec)
	case 2:
		if spec.JobKind == JobKindHeartbeat {
			return heartbeatRepairPrompt(previousRaw, previousErrors)
		}
		return jsonRepairPrompt(previousRaw, previousErrors)
	default:
		return reformatPrompt(spec, previousRaw, previousErrors)
	}
}

func initialPrompt(spec Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", spec.Goal)
	if len(spec.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints:\n")
		for _, c := range spec.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(spec.Deliverables) > 0 {
		fmt.Fprintf(&b, "Deliverables:\n")
		for _, d := range spec.Deliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	return b.String()
}

func jsonRepairPrompt(previousRaw string, errs []ValidationError) string {
	var b strings.Builder
	b.WriteString("Your previous reply was not valid JSON matching the required result schema.\n")
	b.WriteString("Previous output:\n")
	b.WriteString(previousRaw)
	b.WriteString("\n\nValidation errors:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s: %s\n", e.Code, e.Message)
	}
	b.WriteString("\nReply with a single strict JSON object only, no prose, no code fences.")
	return b.String()
}

func heartbeatRepairPrompt(previousRaw string, errs []ValidationError) string {
	var b strings.Builder
	b.WriteString("Your previous heartbeat report did not match the required report schema.\n")
	b.WriteString("Previous output:\n")
	b.WriteString(previousRaw)
	b.WriteString("\n\nValidation errors:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s: %s\n", e.Code, e.Message)
	}
	b.WriteString("\nReply with a single strict JSON heartbeat report object only.")
	return b.String()
}

func reformatPrompt(spec Spec, previousRaw string, errs []ValidationError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A different model failed to produce valid structured output for this goal:\n%s\n\n", spec.Goal)
	b.WriteString("Its last raw output was:\n")
	b.WriteString(previousRaw)
	b.WriteString("\n\nReformat this into a single strict JSON object satisfying the result schema. ")
	b.WriteString("If the content is usable, preserve its meaning; only fix structure.")
	return b.String()
}

// ReformatterFamily picks the attempt-3 worker family: codex preferred,
// claude as fallback, regardless of which provider ran the first two
// attempts (spec §4.6 step 1).
func ReformatterFamily(available map[string]bool) (string, bool) {
	if available[codexFamily] {
		return codexFamily, true
	}
	if available[claudeFamily] {
		return claudeFamily, true
	}
	return "", false
}

package llmsafety

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const commandPlaceholder = "__COMMAND__"

const systemPrompt = `You are a command safety evaluator for a shell execution gateway.
You will be given a candidate shell command and context about it. Respond with
a single JSON object and nothing else, matching exactly this shape:

{
  "verdict": "ALLOW" | "DENY" | "NEED_MORE_HISTORY" | "NEED_USER_CONFIRM" | "NEED_ASSISTANT_CONFIRM",
  "reasoning": "short explanation, referring to the command only as __COMMAND__",
  "required_context": "optional: what additional context would resolve this",
  "suggested_alternatives": ["optional safer command strings"],
  "risk_factors": [{"tag": "string", "severity": "low|medium|high|critical"}]
}

Never restate the literal command text inside "reasoning" — always use the
token __COMMAND__ in its place. Do not wrap the JSON in prose.`

// Evaluator is the C4 LLM Evaluator: it wraps a Provider with prompt
// construction, response parsing, and post-validation (spec.md §4.4).
type Evaluator struct {
	provider Provider
}

// New builds an Evaluator over a chat-completions Provider.
func New(p Provider) *Evaluator {
	return &Evaluator{provider: p}
}

// Evaluate implements the evaluate(...) contract of spec.md §4.4.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(req)},
	}

	raw, err := e.provider.Complete(ctx, messages)
	if err != nil {
		return Decision{}, fmt.Errorf("llmsafety: provider call: %w", err)
	}

	d, wellFormed := parseDecision(raw)
	if !wellFormed {
		return Decision{
			Verdict:    VerdictNeedUserConfirm,
			Reasoning:  "evaluator response could not be parsed as a valid safety decision",
			Confidence: 0.2,
		}, nil
	}

	d.Confidence = scoreConfidence(raw, d)
	postValidate(&d)
	return d, nil
}

func buildUserPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "stage: %s\n", req.Stage)
	fmt.Fprintf(&sb, "working_directory: %s\n", req.WorkingDirectory)
	if len(req.DetectedPatterns) > 0 {
		fmt.Fprintf(&sb, "detected_patterns: %s\n", strings.Join(req.DetectedPatterns, ", "))
	}
	if req.OptionalComment != "" {
		fmt.Fprintf(&sb, "user_comment: %s\n", req.OptionalComment)
	}
	if len(req.HistorySlice) > 0 {
		sb.WriteString("recent_history:\n")
		for _, h := range req.HistorySlice {
			fmt.Fprintf(&sb, "  - decision=%s command=%s\n", h.Decision, redactForLog(h.CommandText))
		}
	}
	sb.WriteString("command (refer to it only as __COMMAND__ in your reasoning): ")
	sb.WriteString(req.Command)
	return sb.String()
}

// redactForLog keeps history prompts short; it does not affect safety
// semantics, only prompt size.
func redactForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseDecision runs the four-stage extraction pipeline from spec.md §4.4:
// direct parse, fenced-block extract, balanced-brace extract, then repair.
func parseDecision(raw string) (Decision, bool) {
	raw = strings.TrimSpace(raw)

	if d, ok := tryUnmarshal(raw); ok {
		return d, true
	}
	if m := fencedBlockRe.FindStringSubmatch(raw); m != nil {
		if d, ok := tryUnmarshal(m[1]); ok {
			return d, true
		}
	}
	if block, ok := extractBalancedBraces(raw); ok {
		if d, ok := tryUnmarshal(block); ok {
			return d, true
		}
		if repaired := repairJSON(block); repaired != block {
			if d, ok := tryUnmarshal(repaired); ok {
				return d, true
			}
		}
	}
	if repaired := repairJSON(raw); repaired != raw {
		if d, ok := tryUnmarshal(repaired); ok {
			return d, true
		}
	}
	return Decision{}, false
}

func tryUnmarshal(s string) (Decision, bool) {
	var d Decision
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Decision{}, false
	}
	if !validVerdict(d.Verdict) {
		return Decision{}, false
	}
	return d, true
}

func validVerdict(v Verdict) bool {
	switch v {
	case VerdictAllow, VerdictDeny, VerdictNeedMoreHistory, VerdictNeedUserConfirm, VerdictNeedAssistantConfirm:
		return true
	default:
		return false
	}
}

// extractBalancedBraces returns the first top-level {...} substring in s.
func extractBalancedBraces(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// repairJSON applies cheap textual fixes: smart-quote normalisation,
// trailing-comma removal, and bare-key quoting. Best-effort only.
var (
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
)

func repairJSON(s string) string {
	s = strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", `'`, "’", `'`,
	).Replace(s)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	return s
}

// scoreConfidence implements spec.md §4.4's confidence scoring: base 0.8,
// small increments for well-formed fenced JSON and a sufficiently long
// reasoning string, capped at 1.0.
func scoreConfidence(raw string, d Decision) float64 {
	score := 0.8
	if fencedBlockRe.MatchString(raw) {
		score += 0.1
	}
	if len(d.Reasoning) >= 40 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// postValidate applies spec.md §4.4's additional post-validation rules:
// ALLOW must not carry critical risk factors, DENY should be backed by high
// confidence; violations downgrade nothing, they only append a warning.
func postValidate(d *Decision) {
	if d.Verdict == VerdictAllow {
		for _, rf := range d.RiskFactors {
			if rf.Severity == "critical" {
				d.Warnings = append(d.Warnings, "ALLOW verdict carries a critical-severity risk factor")
				break
			}
		}
	}
	if d.Verdict == VerdictDeny && d.Confidence < 0.6 {
		d.Warnings = append(d.Warnings, "DENY verdict has low confidence")
	}
}

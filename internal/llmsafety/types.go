// Package llmsafety implements the LLM Evaluator (spec.md §4.4, C4): it
// turns a command plus its surrounding context into a structured safety
// Decision by prompting an external chat-completions endpoint and parsing
// its JSON-only reply.
package llmsafety

// Stage identifies why an evaluation is being requested.
type Stage string

const (
	StageInitial                        Stage = "initial"
	StageReevaluateWithUserIntent        Stage = "reevaluate_with_user_intent"
	StageReevaluateWithAdditionalContext Stage = "reevaluate_with_additional_context"
)

// Verdict is the evaluator's top-level judgment.
type Verdict string

const (
	VerdictAllow               Verdict = "ALLOW"
	VerdictDeny                Verdict = "DENY"
	VerdictNeedMoreHistory     Verdict = "NEED_MORE_HISTORY"
	VerdictNeedUserConfirm     Verdict = "NEED_USER_CONFIRM"
	VerdictNeedAssistantConfirm Verdict = "NEED_ASSISTANT_CONFIRM"
)

// RiskFactor is a severity-tagged concern the model attached to its verdict.
type RiskFactor struct {
	Tag      string `json:"tag"`
	Severity string `json:"severity"` // low | medium | high | critical
}

// Decision is the parsed, validated evaluator output (spec.md §4.4).
type Decision struct {
	Verdict             Verdict      `json:"verdict"`
	Reasoning           string       `json:"reasoning"`
	Confidence          float64      `json:"confidence"`
	RequiredContext     string       `json:"required_context,omitempty"`
	SuggestedAlternatives []string   `json:"suggested_alternatives,omitempty"`
	RiskFactors         []RiskFactor `json:"risk_factors,omitempty"`
	Warnings            []string     `json:"-"`
}

// Request bundles everything evaluate() needs, per the spec.md §4.4 contract
// evaluate(command, working_directory, history_slice, detected_patterns,
// optional_comment, stage).
type Request struct {
	Command          string
	WorkingDirectory string
	HistorySlice     []HistoryItem
	DetectedPatterns []string
	OptionalComment  string
	Stage            Stage
}

// HistoryItem is the minimal shape the prompt needs from a history.Entry,
// kept decoupled from the history package so llmsafety has no import-time
// dependency on storage.
type HistoryItem struct {
	CommandText string
	Decision    string
}

// Package safety implements the Safety Evaluator (spec.md §4.6, C6): it
// orchestrates the Pattern Scanner, LLM Evaluator, and Elicitation Gateway
// into one final admission decision, enforcing the two-re-evaluation loop
// bound and recording every outcome to the History Log.
package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/shellmcp/shellmcp/internal/elicit"
	"github.com/shellmcp/shellmcp/internal/history"
	"github.com/shellmcp/shellmcp/internal/llmsafety"
	"github.com/shellmcp/shellmcp/internal/pattern"
)

// Outcome is the result the dispatcher acts on.
type Outcome string

const (
	OutcomeAdmit            Outcome = "admit"
	OutcomeRefuse           Outcome = "refuse"
	OutcomeAssistantConfirm Outcome = "assistant_confirm"
)

// Result is what Evaluate returns to the dispatcher.
type Result struct {
	Outcome          Outcome
	Reasoning        string
	SuggestedAlts    []string
	RequiredContext  string
	DetectedPatterns []string
	CorrelationID    string
}

// Request bundles what Evaluate needs about the candidate command.
type Request struct {
	CorrelationID    string // execution-attempt correlation id, per SPEC_FULL.md open-question decision 3
	Command          string
	WorkingDirectory string
	OptionalComment  string
}

// Config controls the evaluator's mode.
type Config struct {
	LLMEnabled bool
}

// Evaluator is the C6 Safety Evaluator.
type Evaluator struct {
	cfg     Config
	llm     *llmsafety.Evaluator // nil when LLMEnabled is false
	gateway *elicit.Gateway
	hist    *history.Store

	mu       sync.Mutex
	attempts map[string]int // correlation id -> re-evaluations consumed
}

// New builds an Evaluator. llm may be nil when cfg.LLMEnabled is false.
func New(cfg Config, llm *llmsafety.Evaluator, gateway *elicit.Gateway, hist *history.Store) *Evaluator {
	return &Evaluator{cfg: cfg, llm: llm, gateway: gateway, hist: hist, attempts: make(map[string]int)}
}

// maxReevaluations is the loop bound from spec.md §4.6: "at most two
// re-evaluations per original request".
const maxReevaluations = 2

// Evaluate runs the state machine of spec.md §4.6 and records the outcome.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Result {
	tags := pattern.Scan(req.Command)

	if !e.cfg.LLMEnabled {
		return e.finalize(req, e.patternOnlyResult(tags), tags)
	}

	d, err := e.llm.Evaluate(ctx, llmsafety.Request{
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		DetectedPatterns: tags,
		OptionalComment:  req.OptionalComment,
		Stage:            llmsafety.StageInitial,
	})
	if err != nil {
		return e.finalize(req, Result{Outcome: OutcomeRefuse, Reasoning: fmt.Sprintf("evaluator unavailable: %v", err)}, tags)
	}

	res := e.resolve(ctx, req, d, tags, llmsafety.StageReevaluateWithAdditionalContext)
	return e.finalize(req, res, tags)
}

// patternOnlyResult implements "if the LLM evaluator is disabled, a
// non-empty scanner result is a hard refuse; empty is an admit" (spec.md
// §4.6).
func (e *Evaluator) patternOnlyResult(tags []string) Result {
	if len(tags) == 0 {
		return Result{Outcome: OutcomeAdmit, Reasoning: "no dangerous patterns detected"}
	}
	return Result{
		Outcome:          OutcomeRefuse,
		Reasoning:        "pattern scanner matched a dangerous-command tag",
		DetectedPatterns: tags,
	}
}

// resolve walks D0 (and, if needed, D1) to a terminal Result, consuming the
// re-evaluation budget tracked per req.CorrelationID.
func (e *Evaluator) resolve(ctx context.Context, req Request, d llmsafety.Decision, tags []string, nextStage llmsafety.Stage) Result {
	switch d.Verdict {
	case llmsafety.VerdictAllow:
		return Result{Outcome: OutcomeAdmit, Reasoning: d.Reasoning, DetectedPatterns: tags}
	case llmsafety.VerdictDeny:
		return Result{Outcome: OutcomeRefuse, Reasoning: d.Reasoning, SuggestedAlts: d.SuggestedAlternatives, DetectedPatterns: tags}
	case llmsafety.VerdictNeedAssistantConfirm:
		return Result{
			Outcome:         OutcomeAssistantConfirm,
			Reasoning:       d.Reasoning,
			RequiredContext: d.RequiredContext,
		}
	case llmsafety.VerdictNeedMoreHistory:
		if !e.consumeReevaluation(req.CorrelationID) {
			return Result{Outcome: OutcomeRefuse, Reasoning: "re-evaluation budget exhausted awaiting more history", DetectedPatterns: tags}
		}
		d1, err := e.llm.Evaluate(ctx, llmsafety.Request{
			Command:          req.Command,
			WorkingDirectory: req.WorkingDirectory,
			HistorySlice:     e.widenedHistory(),
			DetectedPatterns: tags,
			OptionalComment:  req.OptionalComment,
			Stage:            llmsafety.StageReevaluateWithAdditionalContext,
		})
		if err != nil {
			return Result{Outcome: OutcomeRefuse, Reasoning: fmt.Sprintf("re-evaluation failed: %v", err), DetectedPatterns: tags}
		}
		return e.terminalOrRefuse(d1, tags)
	case llmsafety.VerdictNeedUserConfirm:
		if !e.consumeReevaluation(req.CorrelationID) {
			return Result{Outcome: OutcomeRefuse, Reasoning: "re-evaluation budget exhausted awaiting user confirmation", DetectedPatterns: tags}
		}
		ans, err := e.gateway.Ask(ctx, d.Reasoning, nil, elicit.DefaultTimeout, elicit.DefaultLevel)
		if err != nil || !ans.IsAdmissible() {
			return Result{Outcome: OutcomeRefuse, Reasoning: "user declined, cancelled, or confirmation failed", DetectedPatterns: tags}
		}
		comment := req.OptionalComment
		if reason, ok := ans.Content["reason"].(string); ok && reason != "" {
			comment = reason
		}
		d1, err := e.llm.Evaluate(ctx, llmsafety.Request{
			Command:          req.Command,
			WorkingDirectory: req.WorkingDirectory,
			DetectedPatterns: tags,
			OptionalComment:  comment,
			Stage:            llmsafety.StageReevaluateWithUserIntent,
		})
		if err != nil {
			return Result{Outcome: OutcomeRefuse, Reasoning: fmt.Sprintf("re-evaluation failed: %v", err), DetectedPatterns: tags}
		}
		return e.terminalOrRefuse(d1, tags)
	default:
		return Result{Outcome: OutcomeRefuse, Reasoning: "unrecognized safety verdict", DetectedPatterns: tags}
	}
}

// terminalOrRefuse handles D1: ALLOW/DENY settle; any other verdict becomes
// a conservative refuse at once. No further loop is run from D1, even
// though only one of the maxReevaluations budget has been spent by then.
func (e *Evaluator) terminalOrRefuse(d llmsafety.Decision, tags []string) Result {
	switch d.Verdict {
	case llmsafety.VerdictAllow:
		return Result{Outcome: OutcomeAdmit, Reasoning: d.Reasoning, DetectedPatterns: tags}
	case llmsafety.VerdictDeny:
		return Result{Outcome: OutcomeRefuse, Reasoning: d.Reasoning, SuggestedAlts: d.SuggestedAlternatives, DetectedPatterns: tags}
	default:
		return Result{Outcome: OutcomeRefuse, Reasoning: "conservative refuse: evaluator still undecided after re-evaluation", DetectedPatterns: tags}
	}
}

// consumeReevaluation reports whether another re-evaluation is still within
// the per-correlation budget, and if so, spends one.
func (e *Evaluator) consumeReevaluation(correlationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	used := e.attempts[correlationID]
	if used >= maxReevaluations {
		return false
	}
	e.attempts[correlationID] = used + 1
	return true
}

// widenedHistory pulls additional context for a NEED_MORE_HISTORY
// re-evaluation.
func (e *Evaluator) widenedHistory() []llmsafety.HistoryItem {
	entries := e.hist.Search(history.SearchOptions{Limit: 20})
	out := make([]llmsafety.HistoryItem, len(entries))
	for i, en := range entries {
		out[i] = llmsafety.HistoryItem{CommandText: en.CommandText, Decision: en.Decision}
	}
	return out
}

// finalize records the decision to the History Log and returns it.
func (e *Evaluator) finalize(req Request, res Result, tags []string) Result {
	res.CorrelationID = req.CorrelationID
	if len(res.DetectedPatterns) == 0 {
		res.DetectedPatterns = tags
	}
	entry := history.Entry{
		ExecutionID:      req.CorrelationID,
		CommandText:      req.Command,
		WorkingDirectory: req.WorkingDirectory,
		Executed:         res.Outcome == OutcomeAdmit,
		Classification:   joinTags(tags),
		Decision:         string(res.Outcome),
		OutputSummary:    res.Reasoning,
	}
	_ = e.hist.Append(entry) // mirror failure never blocks the caller (spec.md §4.2)
	return res
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	out := tags[0]
	for _, t := range tags[1:] {
		out += "," + t
	}
	return out
}

// ForgetCorrelation clears the re-evaluation counter for a correlation id
// once its governing request has fully settled, bounding attempts map
// growth over a long-running process.
func (e *Evaluator) ForgetCorrelation(correlationID string) {
	e.mu.Lock()
	delete(e.attempts, correlationID)
	e.mu.Unlock()
}

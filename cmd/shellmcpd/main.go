// Command shellmcpd is the stdio gateway process: it wires together the
// Pattern Scanner, LLM Evaluator, Elicitation Gateway, Safety Evaluator,
// Process Manager, Terminal Manager, and Request Dispatcher, then serves
// line-delimited JSON requests over stdin/stdout (spec.md §6).
package main

import (
	"fmt"
	"os"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/dispatch"
	"github.com/shellmcp/shellmcp/internal/elicit"
	"github.com/shellmcp/shellmcp/internal/history"
	"github.com/shellmcp/shellmcp/internal/llmsafety"
	"github.com/shellmcp/shellmcp/internal/logger"
	"github.com/shellmcp/shellmcp/internal/outputstore"
	"github.com/shellmcp/shellmcp/internal/process"
	"github.com/shellmcp/shellmcp/internal/safety"
	"github.com/shellmcp/shellmcp/internal/terminal"
	"github.com/spf13/cobra"
)

func main() {
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "shellmcpd",
		Short: "shell execution gateway — serves MCP-style shell/process/terminal operations over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(logLevel, logFile)
		},
	}
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.Flags().StringVar(&logFile, "log-file", "", "optional file to mirror logs to, in addition to stderr")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(logLevel, logFile string) error {
	log, err := logger.New(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	cfg := config.Load()

	restrictions, err := config.NewRestrictionsStore(config.DefaultRestrictions(cfg), cfg.RestrictionsFile)
	if err != nil {
		return fmt.Errorf("open restrictions store: %w", err)
	}
	restrictions.SetOnChange(func(r config.Restrictions) {
		log.Info("shellmcpd: restrictions reloaded from file",
			"security_mode", r.SecurityMode, "allowed_directories", len(r.AllowedDirectories),
			"blocked_commands", len(r.BlockedCommands), "allowed_commands", len(r.AllowedCommands))
	})

	outputs, err := outputstore.New(cfg.OutputBaseDir, cfg.MaxOutputFiles)
	if err != nil {
		return fmt.Errorf("open output store: %w", err)
	}

	hist, err := history.Open(cfg.HistoryDBPath, cfg.MaxHistoryLines)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer hist.Close()

	reverseRouter := dispatch.NewReverseRouter()
	var gateway *elicit.Gateway
	if cfg.ElicitationEnabled {
		gateway = elicit.New(reverseRouter)
	} else {
		gateway = elicit.New(nil)
	}

	llmEval, llmEnabled := buildLLMEvaluator()
	safetyEval := safety.New(safety.Config{LLMEnabled: llmEnabled}, llmEval, gateway, hist)

	procMgr := process.New(process.Config{
		MaxConcurrent:         cfg.MaxConcurrent,
		DefaultWorkdir:        cfg.DefaultWorkdir,
		AllowedRoots:          cfg.AllowedWorkdirs,
		MaxOutputSize:         10 << 20, // 10MiB, spec.md §4.7 default
		DefaultTimeoutSeconds: cfg.MaxExecutionTime,
		MaxMemoryMB:           cfg.MaxMemoryMB,
	}, outputs, restrictions, log)

	termMgr := terminal.New(terminal.Config{
		MaxTerminals:    cfg.MaxTerminals,
		MaxOutputLines:  cfg.MaxOutputLines,
		MaxHistoryLines: cfg.MaxHistoryLines,
	}, log, outputs)

	server := dispatch.NewServer(restrictions, outputs, safetyEval, procMgr, termMgr, cfg.DefaultWorkdir, cfg.DisabledTools)

	return serveStdio(server, reverseRouter, log, procMgr)
}

// buildLLMEvaluator constructs the LLM Evaluator from MCP_SHELL_LLM_* env
// vars. A missing model means spec.md §4.6's "LLM evaluator disabled" mode:
// the pattern scanner alone gates admission.
func buildLLMEvaluator() (*llmsafety.Evaluator, bool) {
	model := os.Getenv("MCP_SHELL_LLM_MODEL")
	if model == "" {
		return nil, false
	}
	apiKey := os.Getenv("MCP_SHELL_LLM_API_KEY")
	baseURL := os.Getenv("MCP_SHELL_LLM_BASE_URL")
	provider, err := llmsafety.NewProvider(model, apiKey, baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shellmcpd: %v; falling back to pattern-only safety evaluation\n", err)
		return nil, false
	}
	return llmsafety.New(provider), true
}

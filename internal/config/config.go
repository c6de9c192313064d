// Package config loads gateway configuration from the environment and
// merges it with defaults, the way internal/config/config.go in the teacher
// merges user and project settings.json layers.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the startup configuration sourced from MCP_SHELL_* env vars.
type Config struct {
	DefaultWorkdir      string
	AllowedWorkdirs     []string
	SecurityMode        string // permissive | restrictive | custom
	MaxExecutionTime    int    // seconds
	MaxMemoryMB         int
	EnableNetwork       bool
	ElicitationEnabled  bool
	DisabledTools       map[string]bool
	MaxConcurrent       int
	MaxOutputFiles      int
	MaxTerminals        int
	MaxOutputLines      int
	MaxHistoryLines     int
	OutputBaseDir       string
	HistoryDBPath       string
	RestrictionsFile    string
}

// Load reads Config from the process environment, applying the defaults
// documented in spec.md §6 and §4.8.
func Load() Config {
	c := Config{
		DefaultWorkdir:     getenv("MCP_SHELL_DEFAULT_WORKDIR", mustGetwd()),
		SecurityMode:       getenv("MCP_SHELL_SECURITY_MODE", "restrictive"),
		MaxExecutionTime:   getenvInt("MCP_SHELL_MAX_EXECUTION_TIME", 300),
		MaxMemoryMB:        getenvInt("MCP_SHELL_MAX_MEMORY_MB", 512),
		EnableNetwork:      getenvBool("MCP_SHELL_ENABLE_NETWORK", true),
		ElicitationEnabled: getenvBool("MCP_SHELL_ELICITATION", true),
		DisabledTools:      parseSet(os.Getenv("MCP_DISABLED_TOOLS")),
		MaxConcurrent:      10,
		MaxOutputFiles:     1000,
		MaxTerminals:       20,
		MaxOutputLines:     10000,
		MaxHistoryLines:    1000,
		OutputBaseDir:      getenv("MCP_SHELL_OUTPUT_DIR", defaultOutputDir()),
		HistoryDBPath:      getenv("MCP_SHELL_HISTORY_DB", defaultHistoryDB()),
		RestrictionsFile:   os.Getenv("MCP_SHELL_RESTRICTIONS_FILE"),
	}
	if dirs := os.Getenv("MCP_SHELL_ALLOWED_WORKDIRS"); dirs != "" {
		for _, d := range strings.Split(dirs, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				c.AllowedWorkdirs = append(c.AllowedWorkdirs, d)
			}
		}
	}
	if len(c.AllowedWorkdirs) == 0 {
		c.AllowedWorkdirs = []string{c.DefaultWorkdir}
	}
	return c
}

func (c Config) ToolDisabled(name string) bool {
	return c.DisabledTools[name]
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/mcp-shell"
	}
	return home + "/.mcp-shell"
}

func defaultHistoryDB() string {
	return defaultOutputDir() + "/history.db"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func parseSet(csv string) map[string]bool {
	out := make(map[string]bool)
	if csv == "" {
		return out
	}
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out[s] = true
		}
	}
	return out
}

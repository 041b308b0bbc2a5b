// Package doctor runs local diagnostics for a Capsule installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/cron"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options tunes Run. The zero value runs every check.
type Options struct {
	// SkipNetwork disables the provider DNS lookup.
	SkipNetwork bool
	// Resolver overrides the resolver used by the network check.
	Resolver *net.Resolver
	// LoadError is the error config.Load returned, if any.
	LoadError error
}

// Run executes all diagnostic checks against cfg. cfg may be nil when the
// configuration failed to load; checks that need it report SKIP.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkPermissions,
		checkDatabase,
		checkSchedules,
		checkHookSinks,
		checkExposure,
	}
	if !opts.SkipNetwork {
		resolver := opts.Resolver
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		checks = append(checks, func(ctx context.Context, cfg *config.Config) CheckResult {
			return checkNetwork(ctx, cfg, resolver)
		})
	}

	if opts.LoadError != nil {
		d.Results = append(d.Results, CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: opts.LoadError.Error()})
		checks = checks[1:]
		cfg = nil
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, using defaults", Detail: path}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	if provider == "ollama" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "Provider ollama needs no key"}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s; the agent will answer with an error", provider),
		Detail:  fmt.Sprintf("Set providers.%s.api_key in config.yaml or the provider's env var", provider),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unusable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	list, err := store.ListSchedules(ctx, false)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d schedules stored", len(list)), Detail: cfg.DBPath}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: StatusPass, Message: "No schedules in config"}
	}
	var bad []string
	now := time.Now()
	for _, sc := range cfg.Schedules {
		switch {
		case sc.Name == "":
			bad = append(bad, "(unnamed): name is required")
		case strings.TrimSpace(sc.Prompt) == "":
			bad = append(bad, sc.Name+": prompt is required")
		default:
			if _, err := cron.NextRunTime(sc.Cron, now); err != nil {
				bad = append(bad, fmt.Sprintf("%s: %v", sc.Name, err))
			}
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Schedules",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d of %d schedules invalid", len(bad), len(cfg.Schedules)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: fmt.Sprintf("%d schedules valid", len(cfg.Schedules))}
}

// checkHookSinks verifies every configured hook has the connection settings
// its sink needs.
func checkHookSinks(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Hooks", Status: StatusSkip, Message: "Config missing"}
	}
	all := append([]config.HookConfig{}, cfg.Hooks...)
	for _, sc := range cfg.Schedules {
		all = append(all, sc.Hooks...)
	}
	if len(all) == 0 {
		return CheckResult{Name: "Hooks", Status: StatusPass, Message: "No hooks configured"}
	}
	var problems []string
	for _, h := range all {
		if err := config.ValidateHook(h); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		switch h.Type {
		case "redis":
			if cfg.Redis.Addr == "" {
				problems = append(problems, "redis hook without redis.addr")
			}
		case "rabbitmq":
			if cfg.RabbitMQ.URL == "" && h.URL == "" {
				problems = append(problems, "rabbitmq hook without rabbitmq.url")
			}
		case "telegram":
			if cfg.Telegram.Token == "" {
				problems = append(problems, "telegram hook without telegram.token")
			} else if h.ChatID == 0 && cfg.Telegram.DefaultChatID == 0 {
				problems = append(problems, "telegram hook without chat_id")
			}
		}
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Hooks", Status: StatusFail, Message: fmt.Sprintf("%d hook problems", len(problems)), Detail: strings.Join(problems, "; ")}
	}
	return CheckResult{Name: "Hooks", Status: StatusPass, Message: fmt.Sprintf("%d hooks configured", len(all))}
}

func checkExposure(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Exposure", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Exposure", Status: StatusFail, Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil {
		loopback = ip.IsLoopback()
	}
	if !loopback && !cfg.Auth.Enabled() {
		return CheckResult{
			Name:    "Exposure",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Listening on %s without auth", cfg.BindAddr),
			Detail:  "Set auth.token or auth.jwt_secret",
		}
	}
	return CheckResult{Name: "Exposure", Status: StatusPass, Message: fmt.Sprintf("Listening on %s", cfg.BindAddr)}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config, resolver *net.Resolver) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	host, ok := providerHosts[provider]
	if p, found := cfg.Providers[provider]; found && p.BaseURL != "" {
		host, ok = hostOf(p.BaseURL), true
	}
	if !ok || host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for provider %q", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := resolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pagechat/internal/adapter/backend"
	"pagechat/internal/adapter/settings"
	"pagechat/internal/adapter/speech"
	"pagechat/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

const probeTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration and everything pagechat depends on",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDoctor(cmd.Context(), cmd.OutOrStdout(), cfgPath)
	},
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, w io.Writer, path string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(path)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(path, cfgErr)},
		{Name: "API credential", Fn: checkCredential},
		{Name: "Backend", Fn: checkBackend},
		{Name: "History store", Fn: checkHistory},
		{Name: "Gateway secret", Fn: checkGatewaySecret},
		{Name: "Chromium", Fn: checkChromium},
		{Name: "Speech", Fn: checkSpeech},
	}

	fmt.Fprintln(w, "pagechat doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(ctx, cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file parses.
// A missing file is only a warning: the defaults apply.
func checkConfigFile(path string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check the YAML syntax and that the file is not group/world writable",
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config at %s, using defaults", path),
				Fix:     "Create it, or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", path)}
	}
}

func checkCredential(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	st, err := settings.NewFileStore(cfg.Settings.Path, slog.New(slog.DiscardHandler)).Load(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("settings unreadable: %v", err),
			Fix:     "Check " + cfg.Settings.Path + " and " + config.SettingsKeyEnv,
		}
	}
	if st.Credential == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "no API credential configured",
			Fix:     "Run 'pagechat settings set --credential-stdin' or set " + settings.CredentialEnv,
		}
	}
	return CheckResult{Status: StatusPass, Message: "credential configured"}
}

func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	client := backend.New(cfg.Backend, nil, slog.New(slog.DiscardHandler))
	if err := client.Health(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("backend at %s unhealthy: %v", cfg.Backend.URL, err),
			Fix:     "Start the backend or set backend.url",
		}
	}
	return CheckResult{Status: StatusPass, Message: "backend reachable at " + cfg.Backend.URL}
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	rt := &runtime{cfg: cfg, logger: slog.New(slog.DiscardHandler)}
	defer rt.close()

	h, err := rt.openHistory(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s history backend unavailable: %v", cfg.History.Backend, err),
			Fix:     "Check history.path / history.redis_url, or set history.backend: memory",
		}
	}
	list, err := h.List(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("history unreadable: %v", err)}
	}
	msg := fmt.Sprintf("%s backend, %d of %d saved", cfg.History.Backend, len(list), h.Capacity())
	if cfg.History.Backend == "memory" {
		return CheckResult{Status: StatusWarn, Message: msg + " (not persisted)"}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkGatewaySecret(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if config.IsEncrypted(cfg.Gateway.Secret) {
		return CheckResult{
			Status:  StatusWarn,
			Message: "gateway secret is encrypted but no passphrase is set",
			Fix:     "Export " + config.ConfigKeyEnv,
		}
	}
	if len(cfg.Gateway.Secret) < 16 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "gateway secret unset or shorter than 16 bytes; 'pagechat broker' will not start",
			Fix:     "Set gateway.secret (see 'pagechat encrypt')",
		}
	}
	return CheckResult{Status: StatusPass, Message: "gateway secret configured"}
}

func checkChromium(_ context.Context, cfg *config.Config) CheckResult {
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if path, err := exec.LookPath(name); err == nil {
			return CheckResult{Status: StatusPass, Message: fmt.Sprintf("found %s at %s", name, path)}
		}
	}
	if cfg != nil && cfg.Document.Chrome {
		return CheckResult{
			Status:  StatusFail,
			Message: "Chromium not found but document.chrome is enabled",
			Fix:     "Install Chromium, or set document.chrome: false",
		}
	}
	return CheckResult{Status: StatusPass, Message: "Chromium not required (document.chrome is off)"}
}

func checkSpeech(context.Context, *config.Config) CheckResult {
	s, err := speech.Detect(slog.New(slog.DiscardHandler))
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no speech command found; /speak is unavailable",
			Fix:     "Install espeak-ng (Linux) or use macOS 'say'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "speech via " + s.Command()}
}

// Package doctor runs local environment diagnostics for the hearth
// gateway: config, database, file permissions, auth token, and whether
// a gateway is already serving on the configured bind address.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hearth-agent/hearth/internal/config"
	"github.com/hearth-agent/hearth/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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

// Healthy reports whether no check failed outright. WARNs do not count
// against health.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
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
		checkPermissions,
		checkDatabase,
		checkAuthToken,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing, running on defaults",
			Detail:  fmt.Sprintf("Expected at %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "hearth.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d sessions at %s", len(sessions), dbPath),
	}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Gateway.AuthToken != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "Configured via config.yaml"}
	}
	if os.Getenv("HEARTH_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "Configured via HEARTH_AUTH_TOKEN"}
	}

	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	info, err := os.Stat(tokenPath)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: "Not yet generated (will be created on first start)",
			Detail:  tokenPath,
		}
	}
	if err != nil {
		return CheckResult{Name: "Auth Token", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: fmt.Sprintf("auth.token mode is %v, expected 0600", perm),
			Detail:  fmt.Sprintf("Fix with: chmod 600 %s", tokenPath),
		}
	}
	return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth.token present with mode 0600"}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}

	addr := cfg.Gateway.BindAddr
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Bad bind_addr %q: %v", addr, err)}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("No gateway answering on %s", addr),
			Detail:  "Expected when the daemon is not running",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("Gateway unhealthy: HTTP %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Healthy on %s", addr)}
}

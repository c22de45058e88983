package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

const jurisdictionYAML = `
jurisdictions:
  - id: pima
    name: Pima County
    region: AZ
    active: true
    base_url: https://recorder.pima.example
    search_form_url: https://recorder.pima.example/search
    pdf_url_template: https://recorder.pima.example/pdf/{recordingNumber}
    detail_url_template: https://recorder.pima.example/detail/{recordingNumber}
    document_type_code: FTL
    date_format: MM/DD/YYYY
    search:
      mode: http
      start_date_selector: "#from"
      end_date_selector: "#to"
      document_type_selector: "#doctype"
      result_row_selector: "table#results tr.result"
      no_results_pattern: "No records found"
      next_page_selector: "a.next"
    patterns:
      recording_number:
        expr: '(\d{11})'
        group: 1
      record_date:
        expr: '(\d{2}/\d{2}/\d{4})'
        group: 1
      amount:
        expr: '\$([\d,]+\.\d{2})'
        group: 1
    pacing:
      page_load_wait_ms: 2000
      between_requests_ms: 750
      after_submit_wait_ms: 1500
      document_load_wait_ms: 3000
      max_requests_per_minute: 40
      max_pages_per_run: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 30*time.Second, cfg.HTTP.Timeout())
	require.True(t, decimal.RequireFromString("20000").Equal(cfg.Run.Threshold()))
	require.Equal(t, 5*time.Minute, cfg.Reconcile.RecentWindow)
	require.Empty(t, cfg.Jurisdictions)
}

func TestLoadWithJurisdictions(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"+jurisdictionYAML))
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Jurisdictions, 1)

	p := cfg.Jurisdictions[0]
	require.Equal(t, "pima", p.ID)
	require.Equal(t, lien.SearchModeHTTP, p.Search.Mode)
	require.Equal(t, 1, p.Patterns.Amount.Group)
	require.Equal(t, 40, p.Pacing.MaxRequestsPerMinute)
	require.Equal(t, "01/02/2006", p.DateLayout())
}

func TestLoadRejectsInvalidJurisdiction(t *testing.T) {
	t.Parallel()

	body := jurisdictionYAML + "\n" + `  - id: pima
    name: Duplicate
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate id")
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Server.Port = 0 },
		"auth":      func(c *Config) { c.Auth.Enabled = true },
		"timeout":   func(c *Config) { c.HTTP.TimeoutSeconds = 0 },
		"headless":  func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 },
		"local dir": func(c *Config) { c.Storage.Backend = "local" },
		"gcs":       func(c *Config) { c.Storage.Backend = "gcs" },
		"backend":   func(c *Config) { c.Storage.Backend = "s3" },
		"ledger":    func(c *Config) { c.Ledger.Enabled = true; c.Ledger.BatchSize = 0 },
		"threshold": func(c *Config) { c.Run.OverThresholdAmount = "lots" },
		"window":    func(c *Config) { c.Reconcile.RecentWindow = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadHonorsPlatformPort(t *testing.T) {
	t.Setenv("PORT", "9191")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)

	t.Setenv(EnvPrefix+"_SERVER_PORT", "7070")
	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

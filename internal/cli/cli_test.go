package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/koltyakov/edgeman/internal/config"
	"github.com/koltyakov/edgeman/internal/domain"
	ilog "github.com/koltyakov/edgeman/internal/log"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
)

func TestLoadEnvFromDotEnvLoadsMissingEdgeVars(t *testing.T) {
	t.Setenv("EDGE_DB_PATH", "")
	t.Setenv("OTHER_VAR", "")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("EDGE_DB_PATH=\"/var/lib/edge.db\"\nOTHER_VAR=skip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("EDGE_DB_PATH"); got != "/var/lib/edge.db" {
		t.Fatalf("expected EDGE_DB_PATH loaded from file, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-EDGE var not to be loaded, got %q", got)
	}
}

func TestLoadEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	t.Setenv("EDGE_DB_PATH", "from-env.db")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("EDGE_DB_PATH=from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)

	if got := os.Getenv("EDGE_DB_PATH"); got != "from-env.db" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	t.Setenv("EDGE_DB_PATH", "")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("EDGE_DB_PATH=./from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--db", "./from-cli.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "./from-cli.db" {
		t.Fatalf("expected CLI db path to win, got %q", cfg.DBPath)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{line: "export EDGE_LISTEN=:9090", key: "EDGE_LISTEN", value: ":9090", ok: true},
		{line: "EDGE_RELOAD_CMD='systemctl reload nginx'", key: "EDGE_RELOAD_CMD", value: "systemctl reload nginx", ok: true},
		{line: "  EDGE_EMPTY=  ", key: "EDGE_EMPTY", value: "", ok: true},
		{line: "# comment"},
		{line: "BAD KEY=value"},
		{line: "no assignment"},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.value {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, value, ok)
		}
	}
}

func TestParseDarwinIOPlatformUUID(t *testing.T) {
	t.Parallel()

	raw := `
{
  "IOPlatformUUID" = "4A1E0F6D-3E34-53FC-8D79-A99B6A36C8D0"
}
`
	if got := parseDarwinIOPlatformUUID(raw); got != "4A1E0F6D-3E34-53FC-8D79-A99B6A36C8D0" {
		t.Fatalf("unexpected uuid %q", got)
	}
	if got := parseDarwinIOPlatformUUID("no uuid here"); got != "" {
		t.Fatalf("expected empty result for missing uuid, got %s", got)
	}
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{args: nil, want: 2},
		{args: []string{"bogus"}, want: 2},
		{args: []string{"apikey"}, want: 2},
		{args: []string{"apikey", "rotate"}, want: 2},
		{args: []string{"apikey", "revoke", "--db", filepath.Join(t.TempDir(), "edge.db")}, want: 2},
		{args: []string{"version"}, want: 0},
		{args: []string{"help"}, want: 0},
	}
	for _, tt := range tests {
		if got := Run(tt.args); got != tt.want {
			t.Fatalf("Run(%v) = %d, want %d", tt.args, got, tt.want)
		}
	}
}

func TestAPIKeyRevokeUnknownID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "edge.db")
	if got := runAPIKeyRevoke(context.Background(), []string{"--db", dbPath, "--id", "k_missing"}); got != 1 {
		t.Fatalf("expected exit code 1 for unknown key, got %d", got)
	}
}

func TestResolveServerPepperPersistsFirstValue(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	got, err := resolveServerPepper(ctx, store, " pepper-1 ")
	if err != nil || got != "pepper-1" {
		t.Fatalf("first resolve = %q, %v", got, err)
	}
	if got, err := resolveServerPepper(ctx, store, ""); err != nil || got != "pepper-1" {
		t.Fatalf("stored pepper should be reused, got %q, %v", got, err)
	}
	if _, err := resolveServerPepper(ctx, store, "pepper-2"); err == nil {
		t.Fatal("expected mismatch error for a different pepper")
	}
}

func TestBuildIssuersFollowsConfiguredOrder(t *testing.T) {
	t.Parallel()

	api, err := cf.NewWithAPIToken("token")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.ServerConfig{
		SSLDir:               t.TempDir(),
		ACMEDir:              t.TempDir(),
		OriginCAValidityDays: 90,
		CertBackends:         []domain.CertBackend{domain.CertBackendACME, domain.CertBackendProviderCA},
	}

	issuers := buildIssuers(cfg, api)
	if len(issuers) != 2 {
		t.Fatalf("expected 2 issuers, got %d", len(issuers))
	}
	if issuers[0].Backend() != domain.CertBackendACME || issuers[1].Backend() != domain.CertBackendProviderCA {
		t.Fatalf("unexpected issuer order %s, %s", issuers[0].Backend(), issuers[1].Backend())
	}

	// Without credentials the provider CA is left out.
	issuers = buildIssuers(cfg, nil)
	if len(issuers) != 1 || issuers[0].Backend() != domain.CertBackendACME {
		t.Fatalf("expected only the ACME issuer, got %d", len(issuers))
	}
}

func TestNewOrchestratorWithoutProviderCredentials(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	cfg := config.ServerConfig{
		SSLDir:       t.TempDir(),
		CertBackends: []domain.CertBackend{domain.CertBackendProviderCA},
	}
	o, err := newOrchestrator(cfg, store, ilog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if o.DNS != nil || o.Edge != nil || o.Certs != nil {
		t.Fatalf("expected DNS, edge ranges and certificates disabled: %+v", o)
	}

	cfg.CertBackends = []domain.CertBackend{domain.CertBackendProviderCA, domain.CertBackendACME}
	o, err = newOrchestrator(cfg, store, ilog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if o.Certs == nil || len(o.Certs.Issuers) != 1 || o.Certs.Wildcard() {
		t.Fatal("expected an ACME-only certificate manager without wildcard support")
	}
}

func TestPrintAPIKeys(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	revoked := created.Add(time.Hour)
	var b strings.Builder
	err := printAPIKeys(&b, []domain.APIKey{
		{ID: "k_1", Name: "admin", CreatedAt: created},
		{ID: "k_2", Name: "ci", CreatedAt: created, RevokedAt: &revoked},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected table:\n%s", b.String())
	}
	if !strings.Contains(lines[1], "active") || !strings.Contains(lines[1], "2026-01-02T03:04:05Z") {
		t.Fatalf("unexpected active row %q", lines[1])
	}
	if !strings.Contains(lines[2], "revoked 2026-01-02T04:04:05Z") {
		t.Fatalf("unexpected revoked row %q", lines[2])
	}
}

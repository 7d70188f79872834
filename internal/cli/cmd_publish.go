package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/koltyakov/edgeman/internal/certs"
	"github.com/koltyakov/edgeman/internal/config"
	"github.com/koltyakov/edgeman/internal/dns"
	"github.com/koltyakov/edgeman/internal/domain"
	ilog "github.com/koltyakov/edgeman/internal/log"
	"github.com/koltyakov/edgeman/internal/publish"
	"github.com/koltyakov/edgeman/internal/render"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
)

// runPublish runs one cycle from the command line and prints its report as
// JSON. The exit code is 1 when the cycle failed or another one was running.
func runPublish(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, dryRun, err := config.ParsePublishFlags("publish", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "publish config error:", err)
		return 2
	}
	// Logs go to stderr so stdout carries only the report.
	logger := ilog.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	store, code := openSQLiteStoreOrExit(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	orch, err := newOrchestrator(cfg, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "publish config error:", err)
		return 2
	}
	report, err := orch.Publish(ctx, publish.TriggerCLI, dryRun)
	if publish.IsBusy(err) {
		fmt.Fprintln(os.Stderr, "publish error:", err)
		return 1
	}
	if werr := writeReport(os.Stdout, report); werr != nil {
		fmt.Fprintln(os.Stderr, "write report:", werr)
		return 1
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "publish failed:", err)
		return 1
	}
	return 0
}

func writeReport(w io.Writer, report domain.Report) error {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// runRender prints both generated documents without touching DNS,
// certificates or the proxy. Warnings go to stderr.
func runRender(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, _, err := config.ParsePublishFlags("render", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "render config error:", err)
		return 2
	}
	logger := ilog.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	store, code := openSQLiteStoreOrExit(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	res, issues, err := renderState(ctx, cfg, store, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "render error:", err)
		return 1
	}
	for _, is := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", is.Kind, is.Entity, is.Message)
	}
	fmt.Printf("# %s\n%s\n# %s\n%s", cfg.NginxHTTPConfPath, res.HTTP, cfg.NginxStreamConfPath, res.Stream)
	return 0
}

func renderState(ctx context.Context, cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) (render.Result, []domain.Issue, error) {
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return render.Result{}, nil, err
	}
	state, issues := domain.ValidateState(snap)
	desired, dnsIssues := dns.DesiredState(state, state.Origins(cfg.OriginIPs), dns.Options{AdvancedCertificates: cfg.AdvancedCertificates})
	issues = append(issues, dnsIssues...)

	// Pairs on disk win over stored metadata, as in a publish cycle.
	if list, err := certs.NewStore(cfg.SSLDir).List(); err != nil {
		logger.Warn("read certificate directory", "dir", cfg.SSLDir, "err", err)
	} else {
		state.Certificates = list
	}

	res := render.Render(state, render.Options{
		SSLDir:      cfg.SSLDir,
		ACMEDir:     cfg.ACMEDir,
		MissingCert: cfg.MissingCert,
		SRVNames:    dns.SRVNames(desired, state.Domains),
	})
	return res, append(issues, res.Warnings...), nil
}

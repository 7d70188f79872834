package cli

import (
	"log/slog"
	"path/filepath"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/koltyakov/edgeman/internal/certs"
	"github.com/koltyakov/edgeman/internal/cloudflare"
	"github.com/koltyakov/edgeman/internal/config"
	"github.com/koltyakov/edgeman/internal/dns"
	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/publish"
	"github.com/koltyakov/edgeman/internal/render"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
)

const acmeAccountKeyFile = "acme_account.key"

// newOrchestrator wires the publish pipeline from cfg. Without a Cloudflare
// token the DNS stage is skipped and the provider CA backend is left out.
func newOrchestrator(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) (*publish.Orchestrator, error) {
	o := &publish.Orchestrator{
		Store:  store,
		Runner: publish.ShellRunner{Timeout: cfg.ReloadTimeout},
		Log:    logger,
		Options: publish.Options{
			HTTPConfPath:   cfg.NginxHTTPConfPath,
			StreamConfPath: cfg.NginxStreamConfPath,
			ReloadCmd:      cfg.ReloadCmd,
			TestCmd:        cfg.TestCmd,
			Render: render.Options{
				SSLDir:      cfg.SSLDir,
				ACMEDir:     cfg.ACMEDir,
				MissingCert: cfg.MissingCert,
			},
			DNS:         dns.Options{AdvancedCertificates: cfg.AdvancedCertificates},
			OriginIPs:   cfg.OriginIPs,
			RenewBefore: cfg.RenewBefore,
		},
	}

	var caAPI *cf.API
	if cfg.CloudflareAPIToken != "" {
		api, err := cloudflare.NewAPI(cfg.CloudflareAPIToken, "")
		if err != nil {
			return nil, err
		}
		caAPI = api
		o.DNS = &dns.Reconciler{
			Provider: cloudflare.NewDNS(api),
			Store:    store,
			Log:      logger,
			Workers:  cfg.DNSWorkers,
			Timeout:  cfg.DNSTimeout,
		}
		o.Edge = cloudflare.NewEdgeRanges()
	} else {
		logger.Warn("cloudflare api token not set, DNS reconciliation disabled")
	}
	if cfg.CloudflareOriginCAKey != "" {
		api, err := cloudflare.NewAPI("", cfg.CloudflareOriginCAKey)
		if err != nil {
			return nil, err
		}
		caAPI = api
	}

	issuers := buildIssuers(cfg, caAPI)
	if len(issuers) == 0 {
		logger.Warn("no usable certificate backend, certificate stage disabled", "backends", cfg.CertBackends)
		return o, nil
	}
	o.Certs = &certs.Manager{
		Store:   certs.NewStore(cfg.SSLDir),
		Issuers: issuers,
		Workers: cfg.CertWorkers,
		Timeout: cfg.CATimeout,
		Log:     logger,
	}
	return o, nil
}

// buildIssuers returns the certificate backends in the configured order.
// The provider CA is skipped when no API client is available.
func buildIssuers(cfg config.ServerConfig, caAPI *cf.API) []certs.Issuer {
	var out []certs.Issuer
	for _, b := range cfg.CertBackends {
		switch b {
		case domain.CertBackendProviderCA:
			if caAPI == nil {
				continue
			}
			out = append(out, cloudflare.NewOriginCA(caAPI, cfg.OriginCAValidityDays))
		case domain.CertBackendACME:
			out = append(out, &certs.ACME{
				DirectoryURL:   cfg.ACMEDirectoryURL,
				Email:          cfg.ACMEEmail,
				AccountKeyPath: filepath.Join(cfg.SSLDir, acmeAccountKeyFile),
				ChallengeDir:   cfg.ACMEDir,
			})
		}
	}
	return out
}

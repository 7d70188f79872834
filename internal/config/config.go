package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/netutil"
)

// ServerConfig carries every runtime option of the control plane. The same
// struct backs the long-running server and the one-shot publish/render
// commands.
type ServerConfig struct {
	Listen         string
	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	APIKeyPepper   string
	LogLevel       string
	LogFormat      string
	RequestTimeout time.Duration
	MaxBodyBytes   int64

	NginxHTTPConfPath   string
	NginxStreamConfPath string
	ReloadCmd           string
	TestCmd             string
	ReloadTimeout       time.Duration

	SSLDir           string
	ACMEDir          string
	ACMEListen       string
	ACMEDirectoryURL string
	ACMEEmail        string

	CloudflareAPIToken    string
	CloudflareOriginCAKey string
	OriginCAValidityDays  int
	AdvancedCertificates  bool
	CertBackends          []domain.CertBackend
	RenewBefore           time.Duration
	RenewInterval         time.Duration
	MissingCert           string

	OriginIPs   []domain.Origin
	LocalIP     string
	DNSTimeout  time.Duration
	CATimeout   time.Duration
	DNSWorkers  int
	CertWorkers int

	PprofListen string
}

const defaultListen = ":8080"
const defaultDBPath = "./edgeman.db"
const defaultNginxHTTPConf = "/etc/nginx/conf.d/edge_http.conf"
const defaultNginxStreamConf = "/etc/nginx/stream.d/edge_stream.conf"
const defaultReloadCmd = "nginx -s reload"
const defaultSSLDir = "/etc/nginx/ssl"
const defaultACMEDir = "/var/www/acme"
const defaultACMEDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
const defaultOriginCADays = 365 * 15
const defaultRenewBefore = 30 * 24 * time.Hour
const defaultRenewInterval = 12 * time.Hour

// MissingCertPlain serves hosts without a certificate over plain HTTP.
const MissingCertPlain = "plain"

// MissingCertOmit drops hosts without a certificate from the HTTP config.
const MissingCertOmit = "omit"

// validities accepted by the provider's origin CA.
var originCAValidities = map[int]bool{7: true, 30: true, 90: true, 365: true, 730: true, 1095: true, 5475: true}

func defaults() ServerConfig {
	return ServerConfig{
		Listen:         envOrDefault("EDGE_LISTEN", defaultListen),
		DBPath:         envOrDefault("EDGE_DB_PATH", defaultDBPath),
		DBMaxOpenConns: envIntOrDefault("EDGE_DB_MAX_OPEN_CONNS", 1),
		DBMaxIdleConns: envIntOrDefault("EDGE_DB_MAX_IDLE_CONNS", 1),
		APIKeyPepper:   envOrDefault("EDGE_API_KEY_PEPPER", ""),
		LogLevel:       envOrDefault("EDGE_LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("EDGE_LOG_FORMAT", "text"),
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   1 << 20,

		NginxHTTPConfPath:   envOrDefault("EDGE_NGINX_HTTP_CONF", defaultNginxHTTPConf),
		NginxStreamConfPath: envOrDefault("EDGE_NGINX_STREAM_CONF", defaultNginxStreamConf),
		ReloadCmd:           envOrDefault("EDGE_RELOAD_CMD", defaultReloadCmd),
		TestCmd:             envOrDefault("EDGE_TEST_CMD", ""),
		ReloadTimeout:       envDurationOrDefault("EDGE_RELOAD_TIMEOUT", 30*time.Second),

		SSLDir:           envOrDefault("EDGE_SSL_DIR", defaultSSLDir),
		ACMEDir:          envOrDefault("EDGE_ACME_DIR", defaultACMEDir),
		ACMEListen:       envOrDefault("EDGE_ACME_LISTEN", ""),
		ACMEDirectoryURL: envOrDefault("EDGE_ACME_DIRECTORY_URL", defaultACMEDirectoryURL),
		ACMEEmail:        envOrDefault("EDGE_ACME_EMAIL", ""),

		CloudflareAPIToken:    envOrDefault("EDGE_CF_API_TOKEN", ""),
		CloudflareOriginCAKey: envOrDefault("EDGE_CF_ORIGIN_CA_KEY", ""),
		OriginCAValidityDays:  envIntOrDefault("EDGE_CF_CERT_DAYS", defaultOriginCADays),
		AdvancedCertificates:  envBoolOrDefault("EDGE_ADVANCED_CERTS", false),
		RenewBefore:           envDurationOrDefault("EDGE_RENEW_BEFORE", defaultRenewBefore),
		RenewInterval:         envDurationOrDefault("EDGE_RENEW_INTERVAL", defaultRenewInterval),
		MissingCert:           envOrDefault("EDGE_MISSING_CERT", MissingCertPlain),

		LocalIP:     envOrDefault("EDGE_LOCAL_IP", "127.0.0.1"),
		DNSTimeout:  envDurationOrDefault("EDGE_DNS_TIMEOUT", 30*time.Second),
		CATimeout:   envDurationOrDefault("EDGE_CA_TIMEOUT", 3*time.Minute),
		DNSWorkers:  envIntOrDefault("EDGE_DNS_WORKERS", 4),
		CertWorkers: envIntOrDefault("EDGE_CERT_WORKERS", 2),

		PprofListen: envOrDefault("EDGE_PPROF_LISTEN", ""),
	}
}

func register(fs *flag.FlagSet, cfg *ServerConfig, backends, origins *string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.NginxHTTPConfPath, "nginx-http-conf", cfg.NginxHTTPConfPath, "Generated HTTP config path")
	fs.StringVar(&cfg.NginxStreamConfPath, "nginx-stream-conf", cfg.NginxStreamConfPath, "Generated stream config path")
	fs.StringVar(&cfg.ReloadCmd, "reload-cmd", cfg.ReloadCmd, "Reverse proxy reload command")
	fs.StringVar(&cfg.TestCmd, "test-cmd", cfg.TestCmd, "Config test command run before reload (optional)")
	fs.StringVar(&cfg.SSLDir, "ssl-dir", cfg.SSLDir, "Certificate directory")
	fs.StringVar(&cfg.ACMEDir, "acme-dir", cfg.ACMEDir, "ACME HTTP-01 webroot")
	fs.StringVar(&cfg.ACMEDirectoryURL, "acme-directory", cfg.ACMEDirectoryURL, "ACME directory URL")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", cfg.ACMEEmail, "ACME account contact e-mail")
	fs.IntVar(&cfg.OriginCAValidityDays, "cf-cert-days", cfg.OriginCAValidityDays, "Origin CA certificate validity in days")
	fs.BoolVar(&cfg.AdvancedCertificates, "advanced-certs", cfg.AdvancedCertificates, "Zone has advanced certificate entitlement (deep wildcards)")
	fs.StringVar(backends, "cert-backends", *backends, "Ordered certificate backends: cloudflare,acme")
	fs.DurationVar(&cfg.RenewBefore, "renew-before", cfg.RenewBefore, "Renew certificates expiring within this window")
	fs.StringVar(&cfg.MissingCert, "missing-cert", cfg.MissingCert, "Hosts without a certificate: plain|omit")
	fs.StringVar(origins, "origin-ips", *origins, "Extra origin IPs, comma separated name=ip or ip")
	fs.StringVar(&cfg.LocalIP, "local-ip", cfg.LocalIP, "Local IP used by origin tunnel connections")
	fs.IntVar(&cfg.DNSWorkers, "dns-workers", cfg.DNSWorkers, "Concurrent DNS provider calls")
	fs.IntVar(&cfg.CertWorkers, "cert-workers", cfg.CertWorkers, "Concurrent certificate issuances")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
}

// ParseServerFlags parses the options of the long-running server.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := defaults()
	backends := envOrDefault("EDGE_CERT_BACKENDS", "cloudflare,acme")
	origins := envOrDefault("EDGE_ORIGIN_IPS", "")

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "API listen address")
	fs.StringVar(&cfg.ACMEListen, "acme-listen", cfg.ACMEListen, "Serve the ACME webroot on this address (optional)")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Serve pprof on this address (optional)")
	fs.DurationVar(&cfg.RenewInterval, "renew-interval", cfg.RenewInterval, "Interval of scheduled publish/renewal checks")
	register(fs, &cfg, &backends, &origins)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := finish(&cfg, backends, origins); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return cfg, errors.New("listen address is required")
	}
	if cfg.RenewInterval < time.Minute {
		return cfg, errors.New("renew interval must be at least 1m")
	}
	return cfg, nil
}

// ParsePublishFlags parses the options of the one-shot publish and render
// commands. The returned bool reports --dry-run.
func ParsePublishFlags(name string, args []string) (ServerConfig, bool, error) {
	cfg := defaults()
	backends := envOrDefault("EDGE_CERT_BACKENDS", "cloudflare,acme")
	origins := envOrDefault("EDGE_ORIGIN_IPS", "")
	var dryRun bool

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.BoolVar(&dryRun, "dry-run", false, "Compute the publish plan without side effects")
	register(fs, &cfg, &backends, &origins)
	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if err := finish(&cfg, backends, origins); err != nil {
		return cfg, false, err
	}
	return cfg, dryRun, nil
}

func finish(cfg *ServerConfig, backends, origins string) error {
	var err error
	if cfg.CertBackends, err = parseBackends(backends); err != nil {
		return err
	}
	if cfg.OriginIPs, err = parseOrigins(origins); err != nil {
		return err
	}

	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.MissingCert = strings.ToLower(strings.TrimSpace(cfg.MissingCert))
	switch cfg.MissingCert {
	case MissingCertPlain, MissingCertOmit:
	default:
		return errors.New("missing cert policy must be one of: plain, omit")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("db path is required")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed db max open conns")
	}
	if cfg.NginxHTTPConfPath == "" || cfg.NginxStreamConfPath == "" {
		return errors.New("nginx http and stream config paths are required")
	}
	if cfg.NginxHTTPConfPath == cfg.NginxStreamConfPath {
		return errors.New("nginx http and stream config paths must differ")
	}
	if strings.TrimSpace(cfg.SSLDir) == "" {
		return errors.New("ssl dir is required")
	}
	if !originCAValidities[cfg.OriginCAValidityDays] {
		return errors.New("origin CA validity must be one of 7, 30, 90, 365, 730, 1095, 5475 days")
	}
	if cfg.RenewBefore <= 0 {
		return errors.New("renew-before must be > 0")
	}
	if cfg.DNSWorkers <= 0 || cfg.CertWorkers <= 0 {
		return errors.New("worker counts must be > 0")
	}
	if cfg.DNSTimeout <= 0 || cfg.CATimeout <= 0 || cfg.ReloadTimeout <= 0 {
		return errors.New("timeouts must be > 0")
	}
	if netutil.RecordTypeForIP(cfg.LocalIP) == "" {
		return errors.New("local ip must be an IP address")
	}
	return nil
}

func parseBackends(raw string) ([]domain.CertBackend, error) {
	var out []domain.CertBackend
	seen := make(map[domain.CertBackend]bool)
	for _, part := range strings.Split(raw, ",") {
		b := domain.CertBackend(strings.ToLower(strings.TrimSpace(part)))
		if b == "" {
			continue
		}
		switch b {
		case domain.CertBackendProviderCA, domain.CertBackendACME:
		default:
			return nil, fmt.Errorf("unknown certificate backend %q", b)
		}
		if seen[b] {
			return nil, fmt.Errorf("certificate backend %q listed twice", b)
		}
		seen[b] = true
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one certificate backend is required")
	}
	return out, nil
}

func parseOrigins(raw string) ([]domain.Origin, error) {
	var out []domain.Origin
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, ip, ok := strings.Cut(part, "=")
		if !ok {
			name, ip = "origin"+strconv.Itoa(i+1), part
		}
		name = strings.ToLower(strings.TrimSpace(name))
		ip = strings.TrimSpace(ip)
		if !netutil.ValidLabel(name) {
			return nil, fmt.Errorf("origin name %q must be a single DNS label", name)
		}
		if netutil.RecordTypeForIP(ip) == "" {
			return nil, fmt.Errorf("origin %q: %q is not an IP address", name, ip)
		}
		out = append(out, domain.Origin{Name: name, IP: ip})
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

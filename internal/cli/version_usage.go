package cli

import (
	"fmt"
	"os/exec"

	"github.com/koltyakov/edgeman/internal/versionutil"
)

func printUsage() {
	fmt.Println(`edgeman - edge gateway control plane

Keeps the reverse proxy, DNS records and TLS certificates of your edge
servers in line with the routes stored in one database.

Usage:
  edgeman server                        Start the admin API and publish scheduler
  edgeman publish [--dry-run]           Run one publish cycle and print its report
  edgeman render                        Print the generated proxy configs without writing them
  edgeman apikey create --name NAME     Create a new API key
  edgeman apikey list                   List all API keys
  edgeman apikey revoke --id=ID         Revoke an API key
  edgeman version                       Print version
  edgeman help                          Show this help

Quick Start:
  1. edgeman apikey create --name admin     # create API key
  2. edgeman server                         # start the control plane
  3. curl -H "Authorization: Bearer KEY" -d '{"name":"example.com"}' localhost:8080/v1/domains
  4. curl -H "Authorization: Bearer KEY" -X POST localhost:8080/v1/publish

Environment Variables:
  EDGE_LISTEN             Admin API listen address (default: :8080)
  EDGE_DB_PATH            SQLite database path (default: ./edgeman.db)
  EDGE_API_KEY_PEPPER     API key hash pepper override
  EDGE_LOG_LEVEL          Log level: debug|info|warn|error (default: info)
  EDGE_LOG_FORMAT         Log format: text|json (default: text)
  EDGE_NGINX_HTTP_CONF    Generated HTTP config path
  EDGE_NGINX_STREAM_CONF  Generated stream config path
  EDGE_RELOAD_CMD         Reverse proxy reload command (default: nginx -s reload)
  EDGE_TEST_CMD           Config test command run before reload
  EDGE_SSL_DIR            Certificate directory (default: /etc/nginx/ssl)
  EDGE_ACME_DIR           ACME HTTP-01 webroot (default: /var/www/acme)
  EDGE_ACME_EMAIL         ACME account contact e-mail
  EDGE_CF_API_TOKEN       Cloudflare API token (DNS and Origin CA)
  EDGE_CF_ORIGIN_CA_KEY   Cloudflare Origin CA service key
  EDGE_CERT_BACKENDS      Ordered certificate backends (default: cloudflare,acme)
  EDGE_ORIGIN_IPS         Extra origin IPs, comma separated name=ip or ip
  EDGE_RENEW_INTERVAL     Interval of scheduled publish cycles (default: 12h)
  EDGE_PPROF_LISTEN       Serve pprof on this address

Variables are also read from ./.env; the process environment wins.`)
}

// Version is set at build time via -ldflags.
var Version = versionutil.Dev

func init() {
	var describe string
	if Version == versionutil.Dev {
		if out, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			describe = string(out)
		}
	}
	Version = versionutil.Resolve(Version, describe)
}

func printVersion() {
	fmt.Println("edgeman", Version)
}

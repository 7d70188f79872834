package cloudflare

import (
	"context"
	"encoding/pem"
	"errors"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Validity periods accepted by the Origin CA, in days.
var originCAValidities = []int{7, 30, 90, 365, 730, 1095, 5475}

// OriginCA issues certificates trusted by the Cloudflare edge.
type OriginCA struct {
	api          *cf.API
	validityDays int
}

// NewOriginCA returns an issuer requesting certificates valid for
// validityDays, rounded up to the next period the CA accepts.
func NewOriginCA(api *cf.API, validityDays int) *OriginCA {
	return &OriginCA{api: api, validityDays: ValidityDays(validityDays)}
}

// ValidityDays rounds days up to an accepted Origin CA validity.
func ValidityDays(days int) int {
	for _, v := range originCAValidities {
		if days <= v {
			return v
		}
	}
	return originCAValidities[len(originCAValidities)-1]
}

func (o *OriginCA) Backend() domain.CertBackend { return domain.CertBackendProviderCA }

func (o *OriginCA) SupportsWildcard() bool { return true }

// Issue submits csrDER for names and returns the PEM certificate chain.
func (o *OriginCA) Issue(ctx context.Context, names []string, csrDER []byte) ([]byte, error) {
	csr := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	cert, err := o.api.CreateOriginCACertificate(ctx, cf.CreateOriginCertificateParams{
		Hostnames:       names,
		RequestType:     "origin-ecc",
		RequestValidity: o.validityDays,
		CSR:             string(csr),
	})
	if err != nil {
		return nil, err
	}
	if cert == nil || strings.TrimSpace(cert.Certificate) == "" {
		return nil, errors.New("origin ca returned an empty certificate")
	}
	chain := strings.TrimSpace(cert.Certificate) + "\n"
	return []byte(chain), nil
}

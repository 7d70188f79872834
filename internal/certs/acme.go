package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/acme"

	"github.com/koltyakov/edgeman/internal/domain"
)

// ChallengePath is where HTTP-01 tokens are published below the ACME dir.
const ChallengePath = ".well-known/acme-challenge"

// ACME issues certificates through an ACME directory using HTTP-01
// challenges written under ChallengeDir.
type ACME struct {
	DirectoryURL string
	Email        string
	// AccountKeyPath holds the PEM account key; it is created on first use.
	AccountKeyPath string
	// ChallengeDir is the web root served on port 80 for every domain.
	ChallengeDir string

	mu     sync.Mutex
	client *acme.Client
}

func (a *ACME) Backend() domain.CertBackend { return domain.CertBackendACME }

// SupportsWildcard is false: wildcards need DNS-01.
func (a *ACME) SupportsWildcard() bool { return false }

// Issue runs one order for names.
func (a *ACME) Issue(ctx context.Context, names []string, csrDER []byte) ([]byte, error) {
	for _, n := range names {
		if strings.HasPrefix(n, "*.") {
			return nil, fmt.Errorf("http-01 cannot validate wildcard name %s", n)
		}
	}
	client, err := a.account(ctx)
	if err != nil {
		return nil, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(names...))
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}
	for _, u := range order.AuthzURLs {
		if err := a.authorize(ctx, client, u); err != nil {
			return nil, err
		}
	}
	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("wait order: %w", err)
	}
	ders, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}
	var chain []byte
	for _, der := range ders {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return chain, nil
}

func (a *ACME) authorize(ctx context.Context, client *acme.Client, url string) error {
	z, err := client.GetAuthorization(ctx, url)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if z.Status == acme.StatusValid {
		return nil
	}
	var chal *acme.Challenge
	for _, c := range z.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("authorization for %s offers no http-01 challenge", z.Identifier.Value)
	}

	body, err := client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("challenge response: %w", err)
	}
	path, err := a.writeChallenge(chal.Token, body)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(path) }()

	if _, err := client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accept challenge for %s: %w", z.Identifier.Value, err)
	}
	if _, err := client.WaitAuthorization(ctx, z.URI); err != nil {
		return fmt.Errorf("authorization for %s: %w", z.Identifier.Value, err)
	}
	return nil
}

// writeChallenge publishes body for token and returns the file path.
func (a *ACME) writeChallenge(token, body string) (string, error) {
	if token == "" || strings.ContainsAny(token, `/\`) || strings.Contains(token, "..") {
		return "", fmt.Errorf("refusing challenge token %q", token)
	}
	dir := filepath.Join(a.ChallengeDir, ChallengePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &domain.FatalIOError{Op: "create challenge dir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, token)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", &domain.FatalIOError{Op: "write challenge", Path: path, Err: err}
	}
	return path, nil
}

// account returns a registered client, registering on first use.
func (a *ACME) account(ctx context.Context) (*acme.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	key, err := loadOrCreateAccountKey(a.AccountKeyPath)
	if err != nil {
		return nil, err
	}
	client := &acme.Client{Key: key, DirectoryURL: a.DirectoryURL, UserAgent: "edgeman"}
	acct := &acme.Account{}
	if a.Email != "" {
		acct.Contact = []string{"mailto:" + a.Email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("register account: %w", err)
	}
	a.client = client
	return client, nil
}

func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("account key %s: no PEM block", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, &domain.FatalIOError{Op: "read account key", Path: path, Err: err}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &domain.FatalIOError{Op: "create account dir", Path: filepath.Dir(path), Err: err}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, &domain.FatalIOError{Op: "write account key", Path: path, Err: err}
	}
	return key, nil
}

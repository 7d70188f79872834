package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
)

const (
	chainFile   = "fullchain.pem"
	keyFile     = "privkey.pem"
	backendFile = "backend"
	genDir      = ".generations"
	keepGens    = 2
)

// Store keeps certificate pairs under Dir/<label>/. Each label path is a
// symlink to an immutable generation directory and is swapped with a single
// rename, so readers see either the old or the new pair, never a mix.
type Store struct {
	Dir string
	Now func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Paths returns the stable chain and key paths of label.
func (s *Store) Paths(label string) (chain, key string) {
	dir := filepath.Join(s.Dir, LabelDir(label))
	return filepath.Join(dir, chainFile), filepath.Join(dir, keyFile)
}

// Load reads the active pair of label. A missing pair reports false.
func (s *Store) Load(label string) (domain.Certificate, bool, error) {
	chainPath, keyPath := s.Paths(label)
	chain, err := os.ReadFile(chainPath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Certificate{}, false, nil
	}
	if err != nil {
		return domain.Certificate{}, false, &domain.FatalIOError{Op: "read certificate", Path: chainPath, Err: err}
	}
	leaf, err := parseLeaf(chain)
	if err != nil {
		return domain.Certificate{}, false, fmt.Errorf("certificate %s: %w", label, err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return domain.Certificate{}, false, nil
	}
	cert := domain.Certificate{
		Label:     label,
		Names:     append([]string(nil), leaf.DNSNames...),
		NotBefore: leaf.NotBefore.UTC(),
		NotAfter:  leaf.NotAfter.UTC(),
		ChainPath: chainPath,
		KeyPath:   keyPath,
	}
	if b, err := os.ReadFile(filepath.Join(s.Dir, LabelDir(label), backendFile)); err == nil {
		cert.Backend = domain.CertBackend(strings.TrimSpace(string(b)))
	}
	return cert, true, nil
}

// List loads every stored pair.
func (s *Store) List() ([]domain.Certificate, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.FatalIOError{Op: "list certificates", Path: s.Dir, Err: err}
	}
	var out []domain.Certificate
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		cert, ok, err := s.Load(name)
		if err != nil || !ok {
			continue
		}
		for _, n := range cert.Names {
			if n == "*."+name {
				cert.Label = n
				break
			}
		}
		out = append(out, cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Save validates the pair and makes it the active pair of label. On any
// error the previously active pair is left as it was.
func (s *Store) Save(label string, backend domain.CertBackend, chainPEM, keyPEM []byte) (domain.Certificate, error) {
	if len(chainPEM) == 0 || len(keyPEM) == 0 {
		return domain.Certificate{}, errors.New("empty certificate or key")
	}
	if _, err := tls.X509KeyPair(chainPEM, keyPEM); err != nil {
		return domain.Certificate{}, fmt.Errorf("validate pair: %w", err)
	}
	leaf, err := parseLeaf(chainPEM)
	if err != nil {
		return domain.Certificate{}, err
	}

	dir := LabelDir(label)
	gens := filepath.Join(s.Dir, genDir, dir)
	if err := os.MkdirAll(gens, 0o700); err != nil {
		return domain.Certificate{}, &domain.FatalIOError{Op: "create generation dir", Path: gens, Err: err}
	}
	stamp := strconv.FormatInt(s.now().UnixNano(), 10)
	gen := filepath.Join(gens, stamp)
	if err := os.Mkdir(gen, 0o700); err != nil {
		return domain.Certificate{}, &domain.FatalIOError{Op: "create generation", Path: gen, Err: err}
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{chainFile, chainPEM, 0o644},
		{keyFile, keyPEM, 0o600},
		{backendFile, []byte(string(backend) + "\n"), 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(gen, f.name), f.data, f.mode); err != nil {
			_ = os.RemoveAll(gen)
			return domain.Certificate{}, &domain.FatalIOError{Op: "write certificate", Path: filepath.Join(gen, f.name), Err: err}
		}
	}

	if err := s.activate(dir, stamp); err != nil {
		_ = os.RemoveAll(gen)
		return domain.Certificate{}, err
	}
	s.prune(dir, stamp)

	chainPath, keyPath := s.Paths(label)
	return domain.Certificate{
		Label:     label,
		Names:     append([]string(nil), leaf.DNSNames...),
		Backend:   backend,
		NotBefore: leaf.NotBefore.UTC(),
		NotAfter:  leaf.NotAfter.UTC(),
		ChainPath: chainPath,
		KeyPath:   keyPath,
	}, nil
}

// activate points Dir/<dir> at the generation stamp.
func (s *Store) activate(dir, stamp string) error {
	link := filepath.Join(s.Dir, dir)
	target := filepath.Join(genDir, dir, stamp)

	if fi, err := os.Lstat(link); err == nil && fi.Mode()&os.ModeSymlink == 0 {
		// A plain directory from a manual install becomes a generation.
		legacy := filepath.Join(s.Dir, genDir, dir, "0-legacy")
		if err := os.Rename(link, legacy); err != nil {
			return &domain.FatalIOError{Op: "migrate certificate dir", Path: link, Err: err}
		}
	}

	tmp := filepath.Join(s.Dir, "."+dir+".tmp-"+stamp)
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return &domain.FatalIOError{Op: "link generation", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return &domain.FatalIOError{Op: "activate generation", Path: link, Err: err}
	}
	return nil
}

// prune keeps the newest generations of dir, always including active.
func (s *Store) prune(dir, active string) {
	gens := filepath.Join(s.Dir, genDir, dir)
	entries, err := os.ReadDir(gens)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] > names[j]
	})
	kept := 0
	for _, n := range names {
		if n == active || kept < keepGens {
			kept++
			continue
		}
		_ = os.RemoveAll(filepath.Join(gens, n))
	}
}

// parseLeaf returns the first certificate of a PEM chain.
func parseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no certificate in chain")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

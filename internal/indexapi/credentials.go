package indexapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2/google"
)

// Scope is the OAuth scope required by the indexing API.
const Scope = "https://www.googleapis.com/auth/indexing"

// ClientSource yields an authorized HTTP client for a credential reference.
type ClientSource interface {
	Client(ctx context.Context, credentialRef string) (*http.Client, error)
}

// ServiceAccountSource loads service-account JSON keys from a directory and
// caches one token-refreshing client per credential.
type ServiceAccountSource struct {
	dir string

	mu      sync.Mutex
	clients map[string]*http.Client
	// readFile is swapped in tests.
	readFile func(string) ([]byte, error)
}

// NewServiceAccountSource builds a source rooted at dir. Relative credential
// references are resolved against dir; absolute ones are used as is.
func NewServiceAccountSource(dir string) *ServiceAccountSource {
	return &ServiceAccountSource{
		dir:      dir,
		clients:  make(map[string]*http.Client),
		readFile: os.ReadFile,
	}
}

// Client returns a cached authorized client for credentialRef.
func (s *ServiceAccountSource) Client(ctx context.Context, credentialRef string) (*http.Client, error) {
	if credentialRef == "" {
		return nil, fmt.Errorf("credential reference is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[credentialRef]; ok {
		return client, nil
	}

	path := credentialRef
	if !filepath.IsAbs(path) && s.dir != "" {
		path = filepath.Join(s.dir, path)
	}
	data, err := s.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential %s: %w", credentialRef, err)
	}
	cfg, err := google.JWTConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse credential %s: %w", credentialRef, err)
	}
	// The cached token source outlives the caller's ctx.
	client := cfg.Client(context.WithoutCancel(ctx))
	s.clients[credentialRef] = client
	return client, nil
}

// StaticSource hands out the same client for every credential.
type StaticSource struct {
	HTTPClient *http.Client
}

// Client implements ClientSource.
func (s StaticSource) Client(context.Context, string) (*http.Client, error) {
	if s.HTTPClient == nil {
		return http.DefaultClient, nil
	}
	return s.HTTPClient, nil
}

// Package repos turns a declarative scan target into a uniform list of
// repository descriptors, applying repository-level filters on the way.
package repos

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gsasthq/gsastd/internal/scanconfig"
)

// Repository is the uniform descriptor both providers produce.
type Repository struct {
	Name         string    `json:"name"`
	FullName     string    `json:"full_name"`
	CloneURL     string    `json:"clone_url"`
	AuthCloneURL string    `json:"auth_clone_url"`
	WebURL       string    `json:"web_url"`
	SizeMB       int       `json:"size_mb"`
	Archived     bool      `json:"archived"`
	IsFork       bool      `json:"is_fork"`
	Personal     bool      `json:"personal"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	Owner        string    `json:"owner"`
	Private      bool      `json:"private"`
}

// StatusFunc receives human-readable enumeration progress lines.
type StatusFunc func(message string)

// Provider enumerates repositories for one forge. Implementations apply the
// filters before returning.
type Provider interface {
	Fetch(ctx context.Context, target scanconfig.Target, filters *scanconfig.Filters, status StatusFunc) ([]Repository, error)
}

// httpClient builds the client used for provider API calls, honoring a
// custom CA bundle (REQUESTS_CA_BUNDLE or SSL_CERT_FILE) and the
// GITHUB_DISABLE_SSL_VERIFY development escape hatch.
func httpClient() (*http.Client, error) {
	tlsConfig := &tls.Config{}

	bundle := os.Getenv("REQUESTS_CA_BUNDLE")
	if bundle == "" {
		bundle = os.Getenv("SSL_CERT_FILE")
	}
	if bundle != "" {
		pem, err := os.ReadFile(bundle)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", bundle)
		}
		tlsConfig.RootCAs = pool
	}

	if v := os.Getenv("GITHUB_DISABLE_SSL_VERIFY"); v != "" && !strings.EqualFold(v, "false") {
		tlsConfig.InsecureSkipVerify = true
	}

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// WithToken embeds credentials into an HTTPS clone URL.
func WithToken(cloneURL, username, token string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(cloneURL, scheme); ok {
			return scheme + username + ":" + token + "@" + rest
		}
	}
	return cloneURL
}

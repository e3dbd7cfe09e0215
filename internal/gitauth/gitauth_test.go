package gitauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gsasthq/gsastd/internal/config"
)

func TestGitHubTokenSource(t *testing.T) {
	t.Run("static token", func(t *testing.T) {
		src, err := GitHubTokenSource(config.GitHubConfig{APIToken: "ghp_x"})
		if err != nil {
			t.Fatalf("GitHubTokenSource: %v", err)
		}
		token, err := src.Token(context.Background())
		if err != nil || token != "ghp_x" {
			t.Errorf("Token = %q, %v", token, err)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := GitHubTokenSource(config.GitHubConfig{})
		if !errors.Is(err, ErrMissingToken) {
			t.Errorf("err = %v, want ErrMissingToken", err)
		}
	})

	t.Run("app preferred over static token", func(t *testing.T) {
		src, err := GitHubTokenSource(config.GitHubConfig{
			APIToken: "ghp_x",
			App:      &config.GitHubAppConfig{AppID: 1, InstallationID: 2, PrivateKeyPath: "/k.pem"},
		})
		if err != nil {
			t.Fatalf("GitHubTokenSource: %v", err)
		}
		if _, ok := src.(*appTokenSource); !ok {
			t.Errorf("source = %T, want app token source", src)
		}
	})
}

func TestGitLabTokenSource(t *testing.T) {
	src, err := GitLabTokenSource(config.GitLabConfig{APIToken: "glpat-x"})
	if err != nil {
		t.Fatalf("GitLabTokenSource: %v", err)
	}
	token, _ := src.Token(context.Background())
	if token != "glpat-x" {
		t.Errorf("Token = %q", token)
	}

	t.Run("missing token", func(t *testing.T) {
		if _, err := GitLabTokenSource(config.GitLabConfig{}); !errors.Is(err, ErrMissingToken) {
			t.Errorf("err = %v, want ErrMissingToken", err)
		}
	})
}

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

func TestAppTokenSource(t *testing.T) {
	keyPath, key := writeTestKey(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parsed, err := jwt.Parse(auth, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil || !parsed.Valid {
			t.Errorf("app jwt did not verify: %v", err)
		}
		claims := parsed.Claims.(jwt.MapClaims)
		if iss, _ := claims["iss"].(float64); int64(iss) != 7 {
			t.Errorf("iss = %v, want app id 7", claims["iss"])
		}

		json.NewEncoder(w).Encode(map[string]string{"token": "ghs_installation"})
	}))
	t.Cleanup(srv.Close)

	src := newAppTokenSource(&config.GitHubAppConfig{
		AppID:          7,
		InstallationID: 42,
		PrivateKeyPath: keyPath,
		APIBaseURL:     srv.URL,
	})

	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "ghs_installation" {
		t.Errorf("token = %q", token)
	}

	t.Run("token cached until expiry", func(t *testing.T) {
		again, err := src.Token(context.Background())
		if err != nil || again != token {
			t.Fatalf("Token = %q, %v", again, err)
		}
		if calls.Load() != 1 {
			t.Errorf("token endpoint called %d times, want 1", calls.Load())
		}
	})
}

func TestAppTokenSourceBadKeyPath(t *testing.T) {
	src := newAppTokenSource(&config.GitHubAppConfig{
		AppID:          7,
		InstallationID: 42,
		PrivateKeyPath: filepath.Join(t.TempDir(), "absent.pem"),
	})
	if _, err := src.Token(context.Background()); err == nil {
		t.Errorf("Token succeeded with missing key file")
	}
}

package jmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Capability URNs used by this server.
const (
	CoreCapability       = "urn:ietf:params:jmap:core"
	MailCapability       = "urn:ietf:params:jmap:mail"
	SubmissionCapability = "urn:ietf:params:jmap:submission"
)

const sessionPath = "/.well-known/jmap"

// sessionCacheSize bounds how many credential sets can hold a resolved
// session at once.
const sessionCacheSize = 8

// Credentials identify one account against the JMAP server. Token takes
// precedence over the username/app-password pair when both are set.
type Credentials struct {
	BaseURL     string
	Username    string
	AppPassword string
	Token       string
}

// cacheKey derives a stable key for session caching. The raw secret is
// hashed so it never appears in logs or cache introspection.
func (c Credentials) cacheKey() string {
	sum := sha256.Sum256([]byte(strings.TrimSuffix(c.BaseURL, "/") + "|" + c.Username + "|" + c.Token + "|" + c.AppPassword))
	return hex.EncodeToString(sum[:])
}

// SessionInfo is the resolved JMAP session: the API endpoint plus the
// account id advertised for each capability.
type SessionInfo struct {
	APIURL       string
	Capabilities map[string]bool
	AccountIDs   map[string]string
	State        string
}

// AccountFor returns the account id for a capability, or a typed
// CapabilityError when the session does not advertise it.
func (s *SessionInfo) AccountFor(capability string) (string, error) {
	id, ok := s.AccountIDs[capability]
	if !ok || id == "" {
		return "", CapabilityError(capability)
	}
	return id, nil
}

// Signature identifies the (base URL, account, username) triple backing
// the cache. A change in any component invalidates cached rows.
func (s *SessionInfo) Signature(creds Credentials) string {
	accountID := s.AccountIDs[MailCapability]
	sum := sha256.Sum256([]byte(strings.TrimSuffix(creds.BaseURL, "/") + "|" + accountID + "|" + creds.Username))
	return hex.EncodeToString(sum[:])
}

// NewHTTPClient builds the HTTP client used for all JMAP traffic. Token
// credentials ride on an oauth2 static token source; the username and
// app-password pair falls back to basic auth.
func NewHTTPClient(ctx context.Context, creds Credentials) *http.Client {
	if creds.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"})
		client := oauth2.NewClient(ctx, src)
		client.Timeout = 30 * time.Second
		return client
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			username: creds.Username,
			password: creds.AppPassword,
			base:     http.DefaultTransport,
		},
	}
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(clone)
}

// SessionResolver resolves and caches JMAP sessions per credential set.
// A resolved session lives for the process lifetime unless invalidated
// by an authentication failure.
type SessionResolver struct {
	logger *logrus.Logger

	mu       sync.Mutex
	sessions *lru.Cache[string, *SessionInfo]
}

// NewSessionResolver creates a resolver with an empty session cache.
func NewSessionResolver(logger *logrus.Logger) *SessionResolver {
	sessions, _ := lru.New[string, *SessionInfo](sessionCacheSize)
	return &SessionResolver{
		logger:   logger,
		sessions: sessions,
	}
}

// Resolve returns the cached session for creds, fetching it from the
// well-known endpoint on first use.
func (r *SessionResolver) Resolve(ctx context.Context, client *http.Client, creds Credentials) (*SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := creds.cacheKey()
	if info, ok := r.sessions.Get(key); ok {
		return info, nil
	}

	info, err := r.fetch(ctx, client, creds)
	if err != nil {
		return nil, err
	}

	r.sessions.Add(key, info)
	r.logger.WithFields(logrus.Fields{
		"api_url":      info.APIURL,
		"capabilities": len(info.Capabilities),
	}).Info("Resolved JMAP session")
	return info, nil
}

// Invalidate drops the cached session for creds so the next Resolve call
// performs a fresh discovery.
func (r *SessionResolver) Invalidate(creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.Remove(creds.cacheKey())
}

func (r *SessionResolver) fetch(ctx context.Context, client *http.Client, creds Credentials) (*SessionInfo, error) {
	url := strings.TrimSuffix(creds.BaseURL, "/") + sessionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, NetworkError("failed to obtain JMAP session", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, AuthError(fmt.Sprintf("session discovery rejected with status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, NetworkError(fmt.Sprintf("session discovery failed with status %d", resp.StatusCode), nil)
	}

	var payload struct {
		APIURL          string                     `json:"apiUrl"`
		Capabilities    map[string]json.RawMessage `json:"capabilities"`
		PrimaryAccounts map[string]string          `json:"primaryAccounts"`
		State           string                     `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NetworkError("failed to decode session payload", err)
	}
	if payload.APIURL == "" || len(payload.PrimaryAccounts) == 0 {
		return nil, NetworkError("session payload missing apiUrl or primaryAccounts", nil)
	}

	caps := make(map[string]bool, len(payload.Capabilities))
	for urn := range payload.Capabilities {
		caps[urn] = true
	}

	return &SessionInfo{
		APIURL:       payload.APIURL,
		Capabilities: caps,
		AccountIDs:   payload.PrimaryAccounts,
		State:        payload.State,
	}, nil
}

// Package registry implements the OCI distribution token handshake used
// ahead of image imports: deriving the registry hostname from a reference
// URL, discovering the token endpoint via WWW-Authenticate, validating
// stored credentials and minting scoped bearer tokens.
package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/errdef"
)

// TokenKind is the general cache kind under which registry tokens live.
const TokenKind = "registry_token"

// knownRegistries maps hostnames to the page where users create access
// tokens, surfaced in authentication errors.
var knownRegistries = map[string]string{
	"docker.io":            "https://app.docker.com/settings/personal-access-tokens",
	"registry-1.docker.io": "https://app.docker.com/settings/personal-access-tokens",
	"ghcr.io":              "https://github.com/settings/tokens",
	"registry.gitlab.com":  "https://gitlab.com/-/user_settings/personal_access_tokens",
	"quay.io":              "https://quay.io/organization",
}

// apiHosts maps registry names whose API lives on a different hostname.
var apiHosts = map[string]string{
	"docker.io": "registry-1.docker.io",
}

var challengeFieldPattern = regexp.MustCompile(`(realm|service)="([^"]*)"`)

// Endpoint is a discovered token endpoint.
type Endpoint struct {
	Realm   string
	Service string
}

// Token is a stored registry credential, persisted in the general cache
// under TokenKind keyed by registry hostname.
type Token struct {
	Registry  string    `json:"registry"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Auth performs the token handshake against one registry. The discovered
// endpoint is cached for the lifetime of the value.
type Auth struct {
	Registry string

	http    *http.Client
	baseURL string // overridable for tests, defaults to https://<registry API host>

	mu       sync.Mutex
	endpoint *Endpoint
}

// New creates an authenticator for a registry hostname.
func New(registry string) *Auth {
	return &Auth{
		Registry: registry,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// FromURL derives the registry hostname from an image reference URL.
// "oci://" is an alias for "docker://", and a bare image name implies Docker
// Hub.
func FromURL(registryURL string) *Auth {
	normalized := NormalizeURL(registryURL)
	parsed, err := url.Parse(normalized)
	if err != nil || parsed.Hostname() == "" {
		return New("docker.io")
	}
	return New(parsed.Hostname())
}

// NormalizeURL rewrites an image reference into docker:// form: "oci://"
// becomes "docker://", and a bare name like "library/python" is grafted onto
// Docker Hub.
func NormalizeURL(registryURL string) string {
	if rest, ok := strings.CutPrefix(registryURL, "oci://"); ok {
		return "docker://" + rest
	}
	if !strings.Contains(registryURL, "://") {
		return "docker://docker.io/" + strings.TrimLeft(registryURL, "/")
	}
	return registryURL
}

// APIHost returns the hostname serving the registry's /v2/ API, which for
// Docker Hub differs from the registry name.
func (a *Auth) APIHost() string {
	if host, ok := apiHosts[a.Registry]; ok {
		return host
	}
	return a.Registry
}

// TokenPage returns the page where users create tokens for this registry, or
// "" when unknown.
func (a *Auth) TokenPage() string {
	return knownRegistries[a.Registry]
}

func (a *Auth) apiBase() string {
	if a.baseURL != "" {
		return a.baseURL
	}
	return "https://" + a.APIHost()
}

// DiscoverEndpoint finds the registry's token endpoint. The registry
// advertises it in the WWW-Authenticate challenge of an unauthenticated /v2/
// request; registries that let /v2/ through are probed via /v2/_catalog.
func (a *Auth) DiscoverEndpoint(ctx context.Context) (Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endpoint != nil {
		return *a.endpoint, nil
	}

	endpoint, err := a.probe(ctx, a.apiBase()+"/v2/")
	if err != nil {
		return Endpoint{}, err
	}
	if endpoint == nil {
		// some registries serve /v2/ anonymously but still challenge on
		// actual content
		if endpoint, err = a.probe(ctx, a.apiBase()+"/v2/_catalog"); err != nil {
			return Endpoint{}, err
		}
	}
	if endpoint == nil {
		return Endpoint{}, errdef.Protocolf("registry %s issued no authentication challenge", a.Registry)
	}

	log.Debug().
		Str("registry", a.Registry).
		Str("realm", endpoint.Realm).
		Str("service", endpoint.Service).
		Msg("Discovered registry token endpoint.")
	a.endpoint = endpoint
	return *endpoint, nil
}

// probe requests a URL unauthenticated and parses the challenge, if any.
func (a *Auth) probe(ctx context.Context, probeURL string) (*Endpoint, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return nil, errdef.Protocolf("could not build probe request: %v", err)
	}
	response, err := a.http.Do(request)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	response.Body.Close()

	if response.StatusCode != http.StatusUnauthorized {
		return nil, nil
	}
	endpoint := parseWWWAuthenticate(response.Header.Get("WWW-Authenticate"))
	if endpoint == nil {
		return nil, errdef.Protocolf("registry %s sent an unparseable challenge", a.Registry)
	}
	return endpoint, nil
}

// parseWWWAuthenticate extracts realm and service from a Bearer challenge.
// Returns nil for non-Bearer or realm-less challenges.
func parseWWWAuthenticate(header string) *Endpoint {
	if !strings.HasPrefix(strings.TrimSpace(header), "Bearer ") {
		return nil
	}
	var endpoint Endpoint
	for _, match := range challengeFieldPattern.FindAllStringSubmatch(header, -1) {
		switch match[1] {
		case "realm":
			endpoint.Realm = match[2]
		case "service":
			endpoint.Service = match[2]
		}
	}
	if endpoint.Realm == "" {
		return nil
	}
	return &endpoint
}

// ValidateToken checks a username/token pair against the registry's token
// endpoint. A registry whose endpoint cannot be discovered validates nothing.
func (a *Auth) ValidateToken(ctx context.Context, username, token string) (bool, error) {
	endpoint, err := a.DiscoverEndpoint(ctx)
	if err != nil {
		log.Warn().Err(err).Str("registry", a.Registry).Msg("Could not discover token endpoint.")
		return false, nil
	}
	status, _, err := a.tokenRequest(ctx, endpoint, username, token, "")
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// BearerToken exchanges stored credentials for a short-lived bearer token
// with the given scope (e.g. "repository:library/python:pull"). Returns ""
// when the registry refuses.
func (a *Auth) BearerToken(ctx context.Context, username, token, scope string) (string, error) {
	endpoint, err := a.DiscoverEndpoint(ctx)
	if err != nil {
		return "", err
	}
	status, body, err := a.tokenRequest(ctx, endpoint, username, token, scope)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", nil
	}
	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errdef.Protocolf("malformed token response from %s: %v", a.Registry, err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	return payload.AccessToken, nil
}

func (a *Auth) tokenRequest(ctx context.Context, endpoint Endpoint, username, token, scope string) (int, []byte, error) {
	query := url.Values{}
	if endpoint.Service != "" {
		query.Set("service", endpoint.Service)
	}
	if scope != "" {
		query.Set("scope", scope)
	}
	requestURL := endpoint.Realm
	if encoded := query.Encode(); encoded != "" {
		separator := "?"
		if strings.Contains(requestURL, "?") {
			separator = "&"
		}
		requestURL += separator + encoded
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, nil, errdef.Protocolf("could not build token request: %v", err)
	}
	request.SetBasicAuth(username, token)
	response, err := a.http.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if err != nil {
		return response.StatusCode, nil, errdef.Protocolf("could not read token response: %v", err)
	}
	return response.StatusCode, body, nil
}

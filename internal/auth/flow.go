package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FlowConfig configures one tool/extension authorization against an OAuth
// 2.0/2.1 provider, distinct from the login-provider Service above: this
// flow authorizes a tool to act against a third-party API on a user's
// behalf, via Authorization Code + PKCE (RFC 7636).
type FlowConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
	UsePKCE      bool
}

// GoString redacts ClientSecret so it never appears in logs via %#v or
// %+v formatting.
func (c FlowConfig) GoString() string {
	secret := "<empty>"
	if c.ClientSecret != "" {
		secret = "[REDACTED]"
	}
	return fmt.Sprintf("FlowConfig{ClientID:%q, ClientSecret:%s, AuthorizeURL:%q, TokenURL:%q, RedirectURI:%q, Scopes:%v, UsePKCE:%v}",
		c.ClientID, secret, c.AuthorizeURL, c.TokenURL, c.RedirectURI, c.Scopes, c.UsePKCE)
}

// FlowTokens is a token set obtained from a provider's token endpoint.
type FlowTokens struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresIn    *int64
	Scope        string
	ObtainedAt   time.Time
}

// tokenExpiryBuffer treats a token as expired slightly before its real
// expiry to avoid races against in-flight requests.
const tokenExpiryBuffer = 60 * time.Second

// IsExpired reports whether the access token should be treated as expired.
// Tokens with no known expiry are assumed valid.
func (t FlowTokens) IsExpired() bool {
	if t.ExpiresIn == nil || t.ObtainedAt.IsZero() {
		return false
	}
	expiresAt := t.ObtainedAt.Add(time.Duration(*t.ExpiresIn) * time.Second)
	return time.Now().Add(tokenExpiryBuffer).After(expiresAt)
}

// CanRefresh reports whether a refresh token is available.
func (t FlowTokens) CanRefresh() bool { return t.RefreshToken != "" }

// PkceChallenge is a PKCE verifier/challenge pair per RFC 7636.
type PkceChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePkceChallenge creates a new S256 PKCE pair using crypto/rand —
// never math/rand, since the verifier must be unpredictable to an attacker
// observing the authorization redirect.
func GeneratePkceChallenge() (PkceChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PkceChallenge{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return PkceChallenge{Verifier: verifier, Challenge: challenge, Method: "S256"}, nil
}

func generateState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

type pendingFlow struct {
	provider  string
	config    FlowConfig
	pkce      *PkceChallenge
	startedAt time.Time
}

// pendingFlowTTL matches the cleanup window for abandoned authorization
// attempts: a user who never completes the browser redirect leaves no
// trace after 10 minutes.
const pendingFlowTTL = 10 * time.Minute

// FlowManager drives the full authorization-code-with-PKCE lifecycle for
// tool/extension OAuth grants: start_flow -> handle_callback -> refresh ->
// get_token, independent of the login-session OAuthProvider flow above.
type FlowManager struct {
	mu           sync.Mutex
	client       *http.Client
	pendingFlows map[string]pendingFlow
	tokens       map[string]FlowTokens
	logger       *slog.Logger
}

// NewFlowManager creates an empty flow manager.
func NewFlowManager(logger *slog.Logger) *FlowManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowManager{
		client:       &http.Client{Timeout: 30 * time.Second},
		pendingFlows: make(map[string]pendingFlow),
		tokens:       make(map[string]FlowTokens),
		logger:       logger.With("component", "auth.flow"),
	}
}

// StartFlow begins an authorization flow and returns the URL the user
// should be sent to in a browser.
func (m *FlowManager) StartFlow(provider string, cfg FlowConfig) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", err
	}

	var pkce *PkceChallenge
	if cfg.UsePKCE {
		c, err := GeneratePkceChallenge()
		if err != nil {
			return "", err
		}
		pkce = &c
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", cfg.ClientID)
	params.Set("redirect_uri", cfg.RedirectURI)
	params.Set("state", state)
	if len(cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	if pkce != nil {
		params.Set("code_challenge", pkce.Challenge)
		params.Set("code_challenge_method", pkce.Method)
	}

	authURL := cfg.AuthorizeURL + "?" + params.Encode()

	m.mu.Lock()
	m.pendingFlows[state] = pendingFlow{provider: provider, config: cfg, pkce: pkce, startedAt: time.Now()}
	m.mu.Unlock()

	m.logger.Info("oauth flow started", "provider", provider)
	return authURL, nil
}

// ErrUnknownFlowState is returned when a callback's state parameter does
// not match any pending flow (expired, replayed, or forged).
var ErrUnknownFlowState = errors.New("invalid or expired oauth state parameter")

// HandleCallback exchanges an authorization code for tokens and stores
// them keyed by provider name.
func (m *FlowManager) HandleCallback(ctx context.Context, state, code string) (FlowTokens, error) {
	m.mu.Lock()
	flow, ok := m.pendingFlows[state]
	if ok {
		delete(m.pendingFlows, state)
	}
	m.mu.Unlock()
	if !ok {
		return FlowTokens{}, ErrUnknownFlowState
	}

	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("code", code)
	params.Set("redirect_uri", flow.config.RedirectURI)
	params.Set("client_id", flow.config.ClientID)
	if flow.config.ClientSecret != "" {
		params.Set("client_secret", flow.config.ClientSecret)
	}
	if flow.pkce != nil {
		params.Set("code_verifier", flow.pkce.Verifier)
	}

	tokens, err := m.postTokenRequest(ctx, flow.config.TokenURL, params)
	if err != nil {
		return FlowTokens{}, fmt.Errorf("token exchange failed: %w", err)
	}

	m.mu.Lock()
	m.tokens[flow.provider] = tokens
	m.mu.Unlock()

	m.logger.Info("oauth tokens obtained", "provider", flow.provider)
	return tokens, nil
}

// RefreshToken exchanges a stored refresh token for a fresh access token.
func (m *FlowManager) RefreshToken(ctx context.Context, provider string, cfg FlowConfig) (FlowTokens, error) {
	m.mu.Lock()
	current, ok := m.tokens[provider]
	m.mu.Unlock()
	if !ok {
		return FlowTokens{}, fmt.Errorf("no tokens stored for provider %q", provider)
	}
	if current.RefreshToken == "" {
		return FlowTokens{}, fmt.Errorf("no refresh token for provider %q", provider)
	}

	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", current.RefreshToken)
	params.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		params.Set("client_secret", cfg.ClientSecret)
	}

	tokens, err := m.postTokenRequest(ctx, cfg.TokenURL, params)
	if err != nil {
		return FlowTokens{}, fmt.Errorf("token refresh failed: %w", err)
	}

	// Carry the prior refresh token over if the provider didn't issue a
	// new one (common for providers that rotate refresh tokens rarely).
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = current.RefreshToken
	}

	m.mu.Lock()
	m.tokens[provider] = tokens
	m.mu.Unlock()

	m.logger.Info("oauth tokens refreshed", "provider", provider)
	return tokens, nil
}

// GetToken returns a valid access token for provider, refreshing first if
// the stored token is expired and refreshable.
func (m *FlowManager) GetToken(ctx context.Context, provider string, cfg FlowConfig) (string, error) {
	m.mu.Lock()
	tokens, ok := m.tokens[provider]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no tokens for provider %q: start an oauth flow first", provider)
	}

	if tokens.IsExpired() && tokens.CanRefresh() {
		refreshed, err := m.RefreshToken(ctx, provider, cfg)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}
	return tokens.AccessToken, nil
}

// HasTokens reports whether tokens are stored for provider.
func (m *FlowManager) HasTokens(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[provider]
	return ok
}

// Revoke discards any stored tokens for provider.
func (m *FlowManager) Revoke(provider string) {
	m.mu.Lock()
	delete(m.tokens, provider)
	m.mu.Unlock()
	m.logger.Info("oauth tokens revoked", "provider", provider)
}

// CleanupExpiredFlows discards pending flows older than pendingFlowTTL.
func (m *FlowManager) CleanupExpiredFlows() {
	cutoff := time.Now().Add(-pendingFlowTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for state, flow := range m.pendingFlows {
		if flow.startedAt.Before(cutoff) {
			delete(m.pendingFlows, state)
		}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int64 `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (m *FlowManager) postTokenRequest(ctx context.Context, tokenURL string, params url.Values) (FlowTokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return FlowTokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return FlowTokens{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return FlowTokens{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return FlowTokens{}, fmt.Errorf("decode token response: %w", err)
	}

	tokenType := body.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return FlowTokens{
		AccessToken:  body.AccessToken,
		TokenType:    tokenType,
		RefreshToken: body.RefreshToken,
		ExpiresIn:    body.ExpiresIn,
		Scope:        body.Scope,
		ObtainedAt:   time.Now(),
	}, nil
}

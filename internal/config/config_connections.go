package config

// ConnectionsConfig configures tool/extension OAuth grants driven by the
// PKCE authorization-code flow manager, distinct from the login-session
// OAuth providers in AuthConfig.OAuth.
type ConnectionsConfig struct {
	// Providers maps a connection name (as used in /api/connections/{name})
	// to its OAuth 2.0/2.1 endpoint configuration.
	Providers map[string]ConnectionProviderConfig `yaml:"providers"`
}

// ConnectionProviderConfig is one named OAuth provider preset.
type ConnectionProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	UsePKCE      bool     `yaml:"use_pkce"`
}

// WellKnownConnectionPresets returns the built-in endpoint URLs for common
// providers; operators only need to supply client credentials and scopes
// in config to enable one of these.
func WellKnownConnectionPresets() map[string]ConnectionProviderConfig {
	return map[string]ConnectionProviderConfig{
		"google": {
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			UsePKCE:      true,
		},
		"github": {
			AuthorizeURL: "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UsePKCE:      false,
		},
		"notion": {
			AuthorizeURL: "https://api.notion.com/v1/oauth/authorize",
			TokenURL:     "https://api.notion.com/v1/oauth/token",
			UsePKCE:      false,
		},
	}
}

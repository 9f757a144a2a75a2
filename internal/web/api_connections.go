package web

import (
	"net/http"
	"sort"
	"strings"

	"github.com/danielsimonjr/nexus-core/internal/auth"
	"github.com/danielsimonjr/nexus-core/internal/config"
)

func connectionFlowConfig(preset config.ConnectionProviderConfig) auth.FlowConfig {
	return auth.FlowConfig{
		ClientID:     preset.ClientID,
		ClientSecret: preset.ClientSecret,
		AuthorizeURL: preset.AuthorizeURL,
		TokenURL:     preset.TokenURL,
		RedirectURI:  preset.RedirectURI,
		Scopes:       preset.Scopes,
		UsePKCE:      preset.UsePKCE,
	}
}

// connectionSummary reports whether a named OAuth connection is configured
// and whether tokens have already been obtained for it.
type connectionSummary struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// apiConnections handles GET /api/connections, listing every configured
// tool/extension OAuth connection and whether it has live tokens.
func (h *Handler) apiConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := make([]string, 0)
	var providers map[string]config.ConnectionProviderConfig
	if h.config.GatewayConfig != nil {
		providers = h.config.GatewayConfig.Connections.Providers
	}
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]connectionSummary, 0, len(names))
	for _, name := range names {
		connected := h.config.ConnectionManager != nil && h.config.ConnectionManager.HasTokens(name)
		summaries = append(summaries, connectionSummary{Name: name, Connected: connected})
	}
	h.jsonResponse(w, summaries)
}

// apiConnection handles:
//
//	GET  /api/connections/{name}/start    -> begin the PKCE authorization flow
//	GET  /api/connections/{name}/callback -> exchange the authorization code for tokens
//	DELETE /api/connections/{name}        -> revoke stored tokens
func (h *Handler) apiConnection(w http.ResponseWriter, r *http.Request) {
	if h.config.ConnectionManager == nil {
		h.jsonError(w, "connections are not enabled", http.StatusNotImplemented)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/connections/")
	rest = strings.Trim(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	if name == "" {
		h.jsonError(w, "missing connection name", http.StatusBadRequest)
		return
	}

	preset, ok := h.connectionPreset(name)
	if !ok {
		h.jsonError(w, "unknown connection: "+name, http.StatusNotFound)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "start":
		h.startConnection(w, name, preset)
	case r.Method == http.MethodGet && action == "callback":
		h.handleConnectionCallback(w, r, name, preset)
	case r.Method == http.MethodDelete && action == "":
		h.config.ConnectionManager.Revoke(name)
		h.jsonResponse(w, map[string]bool{"revoked": true})
	default:
		h.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) connectionPreset(name string) (config.ConnectionProviderConfig, bool) {
	if h.config.GatewayConfig == nil {
		return config.ConnectionProviderConfig{}, false
	}
	cfg, ok := h.config.GatewayConfig.Connections.Providers[name]
	return cfg, ok
}

func (h *Handler) startConnection(w http.ResponseWriter, name string, preset config.ConnectionProviderConfig) {
	flowCfg := connectionFlowConfig(preset)
	authURL, err := h.config.ConnectionManager.StartFlow(name, flowCfg)
	if err != nil {
		h.jsonError(w, "failed to start connection: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]string{"authorize_url": authURL})
}

func (h *Handler) handleConnectionCallback(w http.ResponseWriter, r *http.Request, name string, preset config.ConnectionProviderConfig) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		h.jsonError(w, "missing state or code", http.StatusBadRequest)
		return
	}

	tokens, err := h.config.ConnectionManager.HandleCallback(r.Context(), state, code)
	if err != nil {
		h.jsonError(w, "connection failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.jsonResponse(w, map[string]any{
		"connection":  name,
		"connected":   true,
		"has_refresh": tokens.CanRefresh(),
	})
}

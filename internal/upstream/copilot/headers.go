package copilot

import (
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	HeaderIntent    = "Openai-Intent"
	HeaderVision    = "Copilot-Vision-Request"
	HeaderInitiator = "X-Initiator"

	IntentConversation = "conversation-panel"
)

// ClientIdentity is the editor fingerprint the introspection endpoint
// requires; without it the endpoint answers 404.
type ClientIdentity struct {
	EditorVersion       string `yaml:"editor_version" json:"editor_version"`
	EditorPluginVersion string `yaml:"editor_plugin_version" json:"editor_plugin_version"`
	UserAgent           string `yaml:"user_agent" json:"user_agent"`
	APIVersion          string `yaml:"api_version" json:"api_version"`
	IntegrationID       string `yaml:"integration_id" json:"integration_id"`
}

// DefaultIdentity mirrors a current VS Code Copilot Chat install.
func DefaultIdentity() ClientIdentity {
	return ClientIdentity{
		EditorVersion:       "vscode/1.99.3",
		EditorPluginVersion: "copilot-chat/0.26.7",
		UserAgent:           "GitHubCopilotChat/0.26.7",
		APIVersion:          "2025-04-01",
		IntegrationID:       "vscode-chat",
	}
}

// WithDefaults fills empty fields from DefaultIdentity.
func (id ClientIdentity) WithDefaults() ClientIdentity {
	def := DefaultIdentity()
	if id.EditorVersion == "" {
		id.EditorVersion = def.EditorVersion
	}
	if id.EditorPluginVersion == "" {
		id.EditorPluginVersion = def.EditorPluginVersion
	}
	if id.UserAgent == "" {
		id.UserAgent = def.UserAgent
	}
	if id.APIVersion == "" {
		id.APIVersion = def.APIVersion
	}
	if id.IntegrationID == "" {
		id.IntegrationID = def.IntegrationID
	}
	return id
}

// Apply sets the editor identity headers on h.
func (id ClientIdentity) Apply(h http.Header) {
	h.Set("Editor-Version", id.EditorVersion)
	h.Set("Editor-Plugin-Version", id.EditorPluginVersion)
	h.Set("User-Agent", id.UserAgent)
	h.Set("X-Github-Api-Version", id.APIVersion)
	if id.IntegrationID != "" {
		h.Set("Copilot-Integration-Id", id.IntegrationID)
	}
}

// TokenAuthorization is the "token" scheme used against the REST endpoints.
// Workload requests use "Bearer" instead.
func TokenAuthorization(secret string) string {
	return "token " + secret
}

// strippedHeaders never travel from the caller to the upstream.
var strippedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"cookie":              true,
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"accept-encoding":     true,
	"x-management-key":    true,
}

// FilterCallerHeaders copies source without credentials, hop-by-hop headers
// or anything the dispatcher computes itself.
func FilterCallerHeaders(source http.Header) http.Header {
	out := make(http.Header, len(source))
	var denied []string
	for key, values := range source {
		normalized := strings.ToLower(key)
		if strippedHeaders[normalized] {
			denied = append(denied, key)
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	if len(denied) > 0 {
		log.WithField("denied", denied).Debug("caller headers stripped")
	}
	return out
}

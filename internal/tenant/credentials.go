package tenant

import (
	"encoding/json"
	"net/http"
	"strings"
)

// CredentialSource records which rung of the admission ladder produced a
// credential. It ends up in TenantContext.AuthMethod and in audit records.
type CredentialSource string

const (
	SourceBearer     CredentialSource = "bearer_token"
	SourceQueryToken CredentialSource = "query_token"
	SourceAuthObject CredentialSource = "auth_object"
	SourceAPIKey     CredentialSource = "api_key"
	SourceDemo       CredentialSource = "demo"
)

// Credential is an unverified credential lifted off an upgrade request or an
// auth frame. Resolve turns it into a TenantContext or rejects it.
type Credential struct {
	Token            string
	APIKey           string
	OrganizationID   string
	UserID           string
	Source           CredentialSource
	RefreshScheduled bool
}

// ExtractCredential walks the admission ladder over an upgrade request:
// bearer header, query token, API key + org header, then explicit demo
// parameters. It reports false when no rung matches and never fails.
func ExtractCredential(r *http.Request) (Credential, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return Credential{Token: parts[1], Source: SourceBearer}, true
		}
	}

	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return Credential{Token: token, Source: SourceQueryToken}, true
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = query.Get("apiKey")
	}
	if apiKey != "" {
		return Credential{
			APIKey:         apiKey,
			OrganizationID: r.Header.Get("X-Organization-ID"),
			Source:         SourceAPIKey,
		}, true
	}

	if orgID := query.Get("organizationId"); orgID != "" {
		return Credential{
			OrganizationID: orgID,
			UserID:         query.Get("userId"),
			Source:         SourceDemo,
		}, true
	}

	return Credential{}, false
}

// authObject is the payload shape of a first-frame credential. Sockets that
// cannot set headers (some browser SDK transports) send this after the
// upgrade instead.
type authObject struct {
	Token            string `json:"token,omitempty"`
	APIKey           string `json:"apiKey,omitempty"`
	OrganizationID   string `json:"organizationId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	RefreshScheduled bool   `json:"refreshScheduled,omitempty"`
}

// CredentialFromAuthPayload lifts a credential out of an auth frame payload.
// Reports false on malformed or empty payloads; it never fails.
func CredentialFromAuthPayload(raw json.RawMessage) (Credential, bool) {
	var obj authObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Credential{}, false
	}
	switch {
	case obj.Token != "":
		return Credential{
			Token:            obj.Token,
			Source:           SourceAuthObject,
			RefreshScheduled: obj.RefreshScheduled,
		}, true
	case obj.APIKey != "":
		return Credential{
			APIKey:         obj.APIKey,
			OrganizationID: obj.OrganizationID,
			Source:         SourceAPIKey,
		}, true
	case obj.OrganizationID != "":
		return Credential{
			OrganizationID: obj.OrganizationID,
			UserID:         obj.UserID,
			Source:         SourceDemo,
		}, true
	}
	return Credential{}, false
}

package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Kind is the category of secret presented with a request
type Kind int

const (
	KindNone Kind = iota
	KindPersonalAccessToken
	KindDeployToken
	KindJobToken
)

func (k Kind) String() string {
	switch k {
	case KindPersonalAccessToken:
		return "personal_access_token"
	case KindDeployToken:
		return "deploy_token"
	case KindJobToken:
		return "job_token"
	default:
		return "none"
	}
}

// Transport is how a credential is carried on the wire
type Transport int

const (
	TransportNone Transport = iota
	TransportBasic
	TransportBearer
)

func (t Transport) String() string {
	switch t {
	case TransportBasic:
		return "basic"
	case TransportBearer:
		return "bearer"
	default:
		return "none"
	}
}

// Credential is the candidate credential extracted from a request. It is
// immutable once resolved and lives for exactly one request. Resolution is
// shape-only: no datastore lookup happens here.
type Credential struct {
	Kind      Kind
	Transport Transport
	Raw       string
	Username  string // basic-auth username, empty for bearer
}

// Anonymous reports whether no usable credential was presented
func (c Credential) Anonymous() bool {
	return c.Kind == KindNone
}

const (
	// JobTokenHeader carries a CI job token outside the Authorization header
	JobTokenHeader = "Job-Token"
	// JobTokenParam is the query-string equivalent of JobTokenHeader
	JobTokenParam = "job_token"
	// JobTokenUsername is the basic-auth username CI jobs authenticate with
	JobTokenUsername = "ci-token"
	// DeployTokenUsernamePrefix marks generated deploy-token usernames
	DeployTokenUsernamePrefix = "deploy-token-"
)

// ResolveCredential extracts zero or one credential from the request.
// Malformed or absent headers yield Credential{Kind: KindNone}; this never
// fails with an error.
func ResolveCredential(r *http.Request) Credential {
	if raw := r.Header.Get(JobTokenHeader); raw != "" {
		return Credential{Kind: KindJobToken, Transport: TransportBearer, Raw: raw}
	}
	if raw := r.URL.Query().Get(JobTokenParam); raw != "" {
		return Credential{Kind: KindJobToken, Transport: TransportBearer, Raw: raw}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Credential{}
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return Credential{}
	}

	switch strings.ToLower(parts[0]) {
	case "bearer":
		raw := strings.TrimSpace(parts[1])
		if raw == "" {
			return Credential{}
		}
		return Credential{Kind: classifySecret(raw, ""), Transport: TransportBearer, Raw: raw}
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return Credential{}
		}
		username, secret, found := strings.Cut(string(decoded), ":")
		if !found || secret == "" {
			return Credential{}
		}
		return Credential{
			Kind:      classifySecret(secret, username),
			Transport: TransportBasic,
			Raw:       secret,
			Username:  username,
		}
	default:
		return Credential{}
	}
}

// classifySecret determines the credential kind from the secret's shape.
// Token prefixes are authoritative; the basic-auth username is a fallback
// hint for tokens minted before prefixes were introduced.
func classifySecret(secret, username string) Kind {
	switch {
	case strings.HasPrefix(secret, PersonalTokenPrefix):
		return KindPersonalAccessToken
	case strings.HasPrefix(secret, DeployTokenPrefix):
		return KindDeployToken
	case strings.HasPrefix(secret, JobTokenPrefix):
		return KindJobToken
	case looksLikeJWT(secret):
		// CI job OIDC tokens are JWTs
		return KindJobToken
	case username == JobTokenUsername:
		return KindJobToken
	case strings.HasPrefix(username, DeployTokenUsernamePrefix):
		return KindDeployToken
	default:
		return KindPersonalAccessToken
	}
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2 && !strings.Contains(s, " ")
}

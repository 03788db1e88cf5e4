package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCVerifier validates CI job tokens issued as OIDC ID tokens by the CI
// system. Claims bind the job to a user and a project, which become the
// acting principal.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// OIDCConfig configures job-token verification against the CI issuer
type OIDCConfig struct {
	IssuerURL string
	ClientID  string // audience expected in job tokens

	// IssuerToken authenticates discovery and key fetches against issuers
	// that keep their JWKS endpoint private.
	IssuerToken string

	// HTTPClient overrides the client used for discovery and key fetches;
	// nil uses http.DefaultClient, or an IssuerToken-bearing client when an
	// issuer token is set.
	HTTPClient *http.Client
}

// jobClaims is the claim set CI embeds in job ID tokens
type jobClaims struct {
	UserID    int64  `json:"user_id"`
	UserLogin string `json:"user_login"`
	ProjectID int64  `json:"project_id"`
	JobID     int64  `json:"job_id"`
}

// NewOIDCVerifier discovers the issuer and prepares an ID token verifier
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	switch {
	case cfg.HTTPClient != nil:
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	case cfg.IssuerToken != "":
		ctx = oidc.ClientContext(ctx, oauth2.NewClient(ctx, TokenSourceFor(cfg.IssuerToken)))
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", cfg.IssuerURL, err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// VerifyJobToken checks the token signature, audience, and expiry, and maps
// the job claims to a CI-job actor.
func (v *OIDCVerifier) VerifyJobToken(ctx context.Context, raw string) (*Actor, error) {
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("job token verification failed: %w", err)
	}

	var claims jobClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("job token has malformed claims: %w", err)
	}
	if claims.UserID == 0 || claims.ProjectID == 0 {
		return nil, fmt.Errorf("job token missing user or project binding")
	}

	return &Actor{
		ID:           claims.UserID,
		Username:     claims.UserLogin,
		Kind:         ActorCIJob,
		ProjectID:    claims.ProjectID,
		WriteAllowed: true,
	}, nil
}

// TokenSourceFor returns an oauth2 token source presenting the raw token as
// a bearer credential, for HTTP calls back to the CI system.
func TokenSourceFor(raw string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: raw, TokenType: "Bearer"})
}

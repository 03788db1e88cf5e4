package auth

import "net/http"

// Predicate optionally restricts a policy rule to a subset of requests
type Predicate func(*http.Request) bool

// ReadOnly accepts only safe methods
func ReadOnly(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Rule is one acceptable (kind, transport) combination for a route. A rule
// with KindNone permits anonymous requests.
type Rule struct {
	Kind      Kind
	Transport Transport
	When      Predicate // nil means always
}

func (r Rule) accepts(req *http.Request, c Credential) bool {
	if r.Kind != c.Kind {
		return false
	}
	if r.Kind != KindNone && r.Transport != c.Transport {
		return false
	}
	if r.When != nil && !r.When(req) {
		return false
	}
	return true
}

// Policy is the ordered set of rules attached to a route at registration
// time. Policies are immutable after startup; the zero Policy rejects
// everything.
type Policy struct {
	rules []Rule
}

// PolicyOf builds a policy from rules evaluated in declaration order
func PolicyOf(rules ...Rule) Policy {
	return Policy{rules: rules}
}

// Match returns the first rule whose kind, transport, and predicate all
// accept the request's credential. The matched rule's kind decides which
// store lookup authenticates the principal.
func (p Policy) Match(req *http.Request, c Credential) (Rule, bool) {
	for _, rule := range p.rules {
		if rule.accepts(req, c) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Common rule constructors. Adapters compose these into per-route policies.

// PersonalToken accepts a personal access token over the given transport
func PersonalToken(t Transport) Rule {
	return Rule{Kind: KindPersonalAccessToken, Transport: t}
}

// DeployToken accepts a deploy token over the given transport
func DeployToken(t Transport) Rule {
	return Rule{Kind: KindDeployToken, Transport: t}
}

// JobToken accepts a CI job token over the given transport
func JobToken(t Transport) Rule {
	return Rule{Kind: KindJobToken, Transport: t}
}

// Anonymous permits unauthenticated requests matching the predicate
func Anonymous(when Predicate) Rule {
	return Rule{Kind: KindNone, When: when}
}

// BasicTokens is the common basic-auth policy: personal, deploy, and job
// tokens, all over HTTP Basic.
func BasicTokens() Policy {
	return PolicyOf(
		PersonalToken(TransportBasic),
		DeployToken(TransportBasic),
		JobToken(TransportBasic),
	)
}

// BearerTokens is the common bearer policy: personal and job tokens over
// HTTP Bearer.
func BearerTokens() Policy {
	return PolicyOf(
		PersonalToken(TransportBearer),
		JobToken(TransportBearer),
	)
}

// AnyToken accepts every credential kind over its usual transport, plus job
// tokens via the dedicated header.
func AnyToken() Policy {
	return PolicyOf(
		PersonalToken(TransportBasic),
		PersonalToken(TransportBearer),
		DeployToken(TransportBasic),
		JobToken(TransportBasic),
		JobToken(TransportBearer),
	)
}

// AnyTokenOrAnonymousRead is AnyToken plus anonymous access for safe methods
func AnyTokenOrAnonymousRead() Policy {
	p := AnyToken()
	p.rules = append(p.rules, Anonymous(ReadOnly))
	return p
}

// Package auth implements credential resolution and authentication for the
// package registry gateway.
//
// Three pieces cooperate per request:
//
//   - ResolveCredential extracts a candidate Credential from the raw
//     transport inputs (Authorization header, Job-Token header, query
//     parameters). It classifies shape only and never touches a datastore.
//   - Policy is the per-route, ordered table of accepted (kind, transport)
//     combinations, declared once at route registration. The first matching
//     rule wins.
//   - Authenticator performs the kind-specific lookup against the external
//     ActorStore (or the OIDC verifier for JWT-shaped job tokens) and yields
//     the live principal, caching positive results briefly.
//
// A request whose credential matches no rule, or whose principal lookup
// fails, is rejected with 401 before any scope or protocol logic runs.
package auth

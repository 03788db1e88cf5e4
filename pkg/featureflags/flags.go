// Package featureflags provides the feature-flag oracle the capability gate
// consults before any protocol logic runs.
package featureflags

import "context"

// Oracle answers whether a flag is enabled. Implementations must be safe
// for concurrent use; the gate queries them on every request.
type Oracle interface {
	Enabled(ctx context.Context, key string) bool
}

// Static is a fixed flag table, used in tests and as the everything-on
// default. Keys absent from the map are disabled; a nil Static enables
// every flag.
type Static map[string]bool

// Enabled implements Oracle
func (s Static) Enabled(_ context.Context, key string) bool {
	if s == nil {
		return true
	}
	return s[key]
}

// AllEnabled is the permissive default oracle
var AllEnabled Oracle = Static(nil)

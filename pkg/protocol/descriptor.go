// Package protocol defines the vocabulary shared by every package-manager
// adapter: the static descriptor registered per ecosystem, the operation
// classes the capability gate authorizes, request coordinates, and the
// gateway error taxonomy.
package protocol

import (
	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/scope"
)

// Operation classifies what a request does to the registry. The gate maps
// it to the descriptor's required permission.
type Operation int

const (
	OpRead Operation = iota
	OpCreate
	OpDestroy
	OpAdmin
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDestroy:
		return "destroy"
	case OpAdmin:
		return "admin"
	default:
		return "read"
	}
}

// Permission returns the permission required for the operation
func (o Operation) Permission() auth.Permission {
	switch o {
	case OpCreate:
		return auth.PermissionCreatePackage
	case OpDestroy:
		return auth.PermissionDestroyPackage
	case OpAdmin:
		return auth.PermissionAdminPackage
	default:
		return auth.PermissionReadPackage
	}
}

// Descriptor is the static record registered per package ecosystem at
// process start. Read-only thereafter.
type Descriptor struct {
	// Name is the protocol identifier used in paths and metrics ("maven")
	Name string

	// ScopeKinds lists the ownership levels the protocol mounts under.
	// Scope-ambiguous protocols (npm, nuget) list more than one; the
	// adapter is mounted once per kind so resolution never branches at
	// request time.
	ScopeKinds []scope.Kind

	// FeatureFlag is the ecosystem flag key checked by the gate
	FeatureFlag string

	// ContentTypes maps lowercase file extensions (without dot) to the
	// MIME type served for downloads. Unlisted extensions fall back to
	// application/octet-stream.
	ContentTypes map[string]string

	// WriteRequiresAuth forces 401 instead of 403 for anonymous writers,
	// matching clients that prompt for credentials on 401.
	WriteRequiresAuth bool

	// Challenge is the WWW-Authenticate value written with 401 responses.
	// Empty means the default Basic realm. The container registry sets a
	// Bearer challenge pointing at its token endpoint.
	Challenge string
}

// ContentTypeFor returns the MIME type for a filename
func (d Descriptor) ContentTypeFor(filename string) string {
	ext := fileExt(filename)
	if ct, ok := d.ContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func fileExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		switch name[i] {
		case '.':
			return lower(name[i+1:])
		case '/':
			return ""
		}
	}
	return ""
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// Coordinates identify a package file within a scope. The common fields
// cover most ecosystems; protocol-specific parts (conan references, debian
// components) ride in Extra.
type Coordinates struct {
	Name    string
	Version string
	File    string
	Extra   map[string]string
}

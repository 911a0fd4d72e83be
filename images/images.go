package images

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// OpaqueScheme is the scheme of references resolved through the image
// registry. Bare identifiers without a scheme are opaque too.
const OpaqueScheme = "image"

// Service is an image backend for one or more reference schemes.
//
// Show reports metadata. Opaque backends fail with ErrImageNotFound or
// ErrImageNotAuthorized; direct-URI backends fail with
// ErrImageRefValidation when the resource cannot be validated.
type Service interface {
	Show(ctx context.Context, ref string) (*types.ImageInfo, error)
	Download(ctx context.Context, ref string, w io.Writer) error
}

// Scheme returns the lower-cased scheme of ref, or "" for a bare identifier.
func Scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(ref[:i])
}

// IsOpaque reports whether ref names an image by registry identifier
// rather than by direct URI.
func IsOpaque(ref string) bool {
	s := Scheme(ref)
	return s == "" || s == OpaqueScheme
}

// Canonical returns the canonical form of ref: bare identifiers gain the
// image:// scheme, everything else is returned unchanged.
func Canonical(ref string) string {
	if Scheme(ref) == "" {
		return OpaqueScheme + "://" + ref
	}
	return ref
}

// OpaqueID strips the image:// scheme from an opaque reference.
func OpaqueID(ref string) string {
	return strings.TrimPrefix(Canonical(ref), OpaqueScheme+"://")
}

// Resolver picks the Service responsible for a reference by scheme.
type Resolver struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewResolver() *Resolver {
	return &Resolver{services: map[string]Service{}}
}

// Register binds svc to each scheme, replacing earlier bindings.
func (r *Resolver) Register(svc Service, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.services[strings.ToLower(s)] = svc
	}
}

// For returns the Service for ref. An unsupported scheme is an
// InvalidParameter error and never touches the network.
func (r *Resolver) For(ref string) (Service, error) {
	scheme := Scheme(Canonical(ref))
	r.mu.RLock()
	svc, ok := r.services[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.InvalidParameter("image source %q: unsupported scheme %q", ref, scheme)
	}
	return svc, nil
}

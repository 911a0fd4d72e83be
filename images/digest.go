package images

import godigest "github.com/opencontainers/go-digest"

// Digest represents a content-addressable digest in "algorithm:hex" format
// (e.g., "sha256:abcdef..."). Backed by opencontainers/go-digest.
type Digest string

// NewDigest creates a Digest from a raw hex string, prefixing "sha256:".
func NewDigest(hex string) Digest {
	return Digest(godigest.NewDigestFromEncoded(godigest.SHA256, hex))
}

// KeyOf returns the cache key of an image reference: the sha256 digest of
// its canonical form, so "abc" and "image://abc" share one master copy.
func KeyOf(ref string) Digest {
	return Digest(godigest.FromString(Canonical(ref)))
}

// Hex returns the hex portion of the digest, stripping the algorithm prefix.
func (d Digest) Hex() string {
	return godigest.Digest(d).Encoded()
}

// String returns the full digest string including the algorithm prefix.
func (d Digest) String() string {
	return string(d)
}

// Validate reports whether d is a well-formed digest.
func (d Digest) Validate() error {
	return godigest.Digest(d).Validate()
}

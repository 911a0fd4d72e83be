// Package file serves file:// image references from the local filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
)

// compile-time interface check.
var _ images.Service = File{}

const Scheme = "file"

type File struct{}

func path(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

func (File) Show(_ context.Context, ref string) (*types.ImageInfo, error) {
	p, err := path(ref)
	if err != nil {
		return nil, errdefs.New(errdefs.ErrImageRefValidation, "validation of image href %s failed, reason: %v", ref, err)
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, errdefs.New(errdefs.ErrImageRefValidation, "validation of image href %s failed, reason: %v", ref, err)
	}
	if !st.Mode().IsRegular() {
		return nil, errdefs.New(errdefs.ErrImageRefValidation, "validation of image href %s failed, reason: not a regular file", ref)
	}
	return &types.ImageInfo{ID: ref, Size: st.Size(), Properties: map[string]any{}}, nil
}

func (File) Download(_ context.Context, ref string, w io.Writer) error {
	p, err := path(ref)
	if err != nil {
		return fmt.Errorf("parse %s: %w", ref, err)
	}
	f, err := os.Open(p) //nolint:gosec // operator supplied image path
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close() //nolint:errcheck
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", p, err)
	}
	return nil
}

// Package registry talks to the image registry that serves opaque
// image:// identifiers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// compile-time interface check.
var _ images.Service = (*Registry)(nil)

// Registry is an HTTP JSON client for {base}/v1/images/{id}.
type Registry struct {
	base string
	hc   *http.Client
}

func New(base string, hc *http.Client) *Registry {
	if hc == nil {
		hc = utils.NewHTTPClient()
	}
	return &Registry{base: strings.TrimRight(base, "/"), hc: hc}
}

func (r *Registry) imageURL(ref string) string {
	return r.base + "/v1/images/" + url.PathEscape(images.OpaqueID(ref))
}

func (r *Registry) Show(ctx context.Context, ref string) (*types.ImageInfo, error) {
	info, err := utils.GetJSON[types.ImageInfo](ctx, r.hc, r.imageURL(ref))
	if err != nil {
		return nil, translate(ref, err)
	}
	if info.Properties == nil {
		info.Properties = map[string]any{}
	}
	return info, nil
}

func (r *Registry) Download(ctx context.Context, ref string, w io.Writer) error {
	logger := log.WithFunc("registry.Download")
	u := r.imageURL(ref) + "/file"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", u, err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:mnd
		return translate(ref, &utils.APIError{Code: resp.StatusCode, Message: fmt.Sprintf("GET %s → %d: %s", u, resp.StatusCode, body)})
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	logger.Infof(ctx, "downloaded %s (%d bytes)", ref, n)
	return nil
}

func translate(ref string, err error) error {
	var ae *utils.APIError
	if !errors.As(err, &ae) {
		return fmt.Errorf("image %s: %w", ref, err)
	}
	switch ae.Code {
	case http.StatusNotFound:
		return errdefs.New(errdefs.ErrImageNotFound, "image %s could not be found", ref)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.New(errdefs.ErrImageNotAuthorized, "not authorized for image %s", ref)
	default:
		return fmt.Errorf("image %s: %w", ref, err)
	}
}

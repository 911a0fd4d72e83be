// Package httpimg serves direct http:// and https:// image references.
package httpimg

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// compile-time interface check.
var _ images.Service = (*HTTP)(nil)

var Schemes = []string{"http", "https"}

type HTTP struct {
	hc *http.Client
}

func New(hc *http.Client) *HTTP {
	if hc == nil {
		hc = utils.NewHTTPClient()
	}
	return &HTTP{hc: hc}
}

func validationFailed(ref, reason string) error {
	return errdefs.New(errdefs.ErrImageRefValidation, "validation of image href %s failed, reason: %s", ref, reason)
}

// Show validates that ref is reachable with a HEAD request.
func (h *HTTP) Show(ctx context.Context, ref string) (*types.ImageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return nil, validationFailed(ref, err.Error())
	}
	resp, err := h.hc.Do(req)
	if err != nil {
		return nil, validationFailed(ref, err.Error())
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, validationFailed(ref, fmt.Sprintf("got HTTP code %d", resp.StatusCode))
	}
	return &types.ImageInfo{
		ID:         ref,
		Size:       resp.ContentLength,
		Properties: map[string]any{},
	}, nil
}

func (h *HTTP) Download(ctx context.Context, ref string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return validationFailed(ref, err.Error())
	}
	resp, err := h.hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", ref, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return validationFailed(ref, fmt.Sprintf("got HTTP code %d", resp.StatusCode))
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", ref, err)
	}
	log.WithFunc("httpimg.Download").Infof(ctx, "downloaded %s (%d bytes)", ref, n)
	return nil
}

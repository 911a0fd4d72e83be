// Package catalog looks up service endpoints in the service catalog.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/utils"
)

// DefaultService is the catalog entry of the provisioning API.
const DefaultService = "baremetal"

type endpoint struct {
	Service string `json:"service"`
	URL     string `json:"url"`
}

// Client resolves one service's public URL.
type Client struct {
	base    string
	service string
	hc      *http.Client
}

func New(base, service string, hc *http.Client) *Client {
	if service == "" {
		service = DefaultService
	}
	if hc == nil {
		hc = utils.NewHTTPClient()
	}
	return &Client{base: strings.TrimRight(base, "/"), service: service, hc: hc}
}

// ServiceURL queries {base}/v1/services/{service}.
func (c *Client) ServiceURL(ctx context.Context) (string, error) {
	if c.base == "" {
		return "", errdefs.MissingParameter("no api_url configured and no service catalog to look it up")
	}
	u := c.base + "/v1/services/" + url.PathEscape(c.service)
	ep, err := utils.GetJSON[endpoint](ctx, c.hc, u)
	if err != nil {
		return "", fmt.Errorf("look up %s endpoint: %w", c.service, err)
	}
	if ep.URL == "" {
		return "", errdefs.InvalidParameter("service catalog returned no url for %s", c.service)
	}
	log.WithFunc("catalog.ServiceURL").Debugf(ctx, "resolved %s endpoint %s", c.service, ep.URL)
	return strings.TrimRight(ep.URL, "/"), nil
}

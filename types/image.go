package types

import "time"

// ImageInfo is what an image service reports about one image reference.
type ImageInfo struct {
	ID         string         `json:"id"`
	Size       int64          `json:"size"`
	Checksum   string         `json:"checksum,omitempty"`
	Properties map[string]any `json:"properties"`
}

// CachedImage describes one master copy in the instance image cache.
type CachedImage struct {
	Href     string    `json:"href"`
	Digest   string    `json:"digest"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Nodes    []string  `json:"nodes"`
	LastUsed time.Time `json:"last_used"`
}

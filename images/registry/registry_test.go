package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/images/good", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.ImageInfo{
			ID:         "good",
			Size:       5,
			Properties: map[string]any{"kernel_id": "1111", "ramdisk_id": "2222"},
		})
	})
	mux.HandleFunc("GET /v1/images/good/file", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("bytes"))
	})
	mux.HandleFunc("GET /v1/images/secret", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestShow(t *testing.T) {
	srv := newTestServer(t)
	r := New(srv.URL, srv.Client())

	info, err := r.Show(context.Background(), "image://good")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if info.Properties["kernel_id"] != "1111" {
		t.Errorf("unexpected properties %+v", info.Properties)
	}
	if _, err := r.Show(context.Background(), "good"); err != nil {
		t.Fatalf("bare id: %v", err)
	}
}

func TestShow_TranslatesStatus(t *testing.T) {
	srv := newTestServer(t)
	r := New(srv.URL, srv.Client())

	if _, err := r.Show(context.Background(), "image://missing"); !errors.Is(err, errdefs.ErrImageNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := r.Show(context.Background(), "image://secret"); !errors.Is(err, errdefs.ErrImageNotAuthorized) {
		t.Errorf("expected not authorized, got %v", err)
	}
}

func TestDownload(t *testing.T) {
	srv := newTestServer(t)
	r := New(srv.URL, srv.Client())

	var buf bytes.Buffer
	if err := r.Download(context.Background(), "image://good", &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	if buf.String() != "bytes" {
		t.Errorf("got %q", buf.String())
	}
	if err := r.Download(context.Background(), "image://missing", &buf); !errors.Is(err, errdefs.ErrImageNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

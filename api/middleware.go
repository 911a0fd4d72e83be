package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/metrics"
)

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(route, strconv.Itoa(sw.code))
		log.WithFunc("api.logging").Debugf(r.Context(), "%s %s %d %s", r.Method, r.URL.Path, sw.code, time.Since(start))
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFunc("api.recovery").Errorf(r.Context(), fmt.Errorf("panic: %v", p), "%s %s", r.Method, r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

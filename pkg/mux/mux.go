// Package mux wraps http.ServeMux with request logging and metrics.
package mux

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Handler serves a request through the instrumented ResponseWriter.
type Handler func(rw ResponseWriter, req *http.Request)

type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

var _ http.Handler = &ServeMux{}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(rw, req)
}

// Handle registers handler for the pattern, patterns follow http.ServeMux.
func (s *ServeMux) Handle(pattern string, handler Handler) {
	s.mux.HandleFunc(pattern, func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		r := &response{ResponseWriter: rw}
		HttpRequestsInflight.WithLabelValues(req.Method).Inc()
		defer func() {
			HttpRequestsInflight.WithLabelValues(req.Method).Dec()
			latency := time.Since(start)
			code := strconv.Itoa(r.Status())
			HttpRequestDurHistogram.WithLabelValues(req.Method, r.handler, code).Observe(latency.Seconds())
			HttpResponseSizeHistogram.WithLabelValues(req.Method, r.handler, code).Observe(float64(r.Size()))

			if req.URL.Path == "/healthz" {
				return
			}
			kvs := []any{
				"path", req.URL.Path,
				"status", r.Status(),
				"method", req.Method,
				"latency", latency.String(),
				"ip", clientIP(req),
				"handler", r.handler,
			}
			if r.Status() >= 200 && r.Status() < 400 {
				s.log.Info("", kvs...)
				return
			}
			s.log.Error(r.Error(), "", kvs...)
		}()
		handler(r, req)
	})
}

func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

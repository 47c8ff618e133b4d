package mux

import (
	"io"
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	// WriteError writes the status code and records err for the request log.
	WriteError(statusCode int, err error)
	// SetHandler names the handler in logs and metrics.
	SetHandler(handler string)
	Error() error
	Status() int
	Size() int64
}

var (
	_ ResponseWriter = &response{}
	_ http.Flusher   = &response{}
	_ io.ReaderFrom  = &response{}
)

type response struct {
	http.ResponseWriter
	err         error
	handler     string
	size        int64
	status      int
	wroteHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) ReadFrom(reader io.Reader) (int64, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := io.Copy(r.ResponseWriter, reader)
	r.size += n
	return n, err
}

func (r *response) Flush() {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *response) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *response) WriteError(statusCode int, err error) {
	r.err = err
	r.WriteHeader(statusCode)
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Error() error {
	return r.err
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}

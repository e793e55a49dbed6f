package main

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	body *bytes.Buffer
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	lrw.body.Write(b)
	return lrw.ResponseWriter.Write(b)
}

var (
	mu            sync.Mutex
	settledScopes = make(map[string]int)
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Request Headers: %v", r.Header)

		var requestBody bytes.Buffer
		tee := io.TeeReader(r.Body, &requestBody)
		body, err := io.ReadAll(tee)
		if err != nil {
			log.Printf("Error reading request body: %v", err)
		}
		r.Body = io.NopCloser(&requestBody)
		log.Printf("Request Body: %s", body)

		lrw := &loggingResponseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(lrw, r)

		log.Printf("Response Headers: %v", w.Header())
		log.Printf("Response Body: %s", lrw.body.String())
	})
}

// duplicateSettleMiddleware reports payment links that reach /settle more than once.
func duplicateSettleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := r.Header.Get("Idempotency-Key")
		if scope != "" && strings.HasSuffix(r.URL.Path, "/settle") {
			mu.Lock()
			settledScopes[scope]++
			count := settledScopes[scope]
			mu.Unlock()

			if count > 1 {
				log.Printf("Duplicate settlement for %s: %d calls", scope, count)
			}
		}
		next.ServeHTTP(w, r)
	})
}

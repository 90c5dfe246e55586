package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// httpLogger logs requests to out in Apache combined log format
func httpLogger(out io.Writer, next http.Handler) http.Handler {
	var mu sync.Mutex
	write := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := io.WriteString(out, line); err != nil {
			log.Printf("Error writing to access log: %v", err)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// The connection is hijacked after the upgrade, so log before handing it over
		if r.Header.Get("Upgrade") == "websocket" {
			write(accessLogLine(r, start, 101, -1, 0))
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		write(accessLogLine(r, start, wrapped.statusCode, wrapped.written, time.Since(start)))
	})
}

// accessLogLine formats one request. A negative size is written as "-".
func accessLogLine(r *http.Request, start time.Time, status int, size int64, duration time.Duration) string {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		userAgent = "-"
	}
	referer := r.Referer()
	if referer == "" {
		referer = "-"
	}
	sizeField := "-"
	if size >= 0 {
		sizeField = fmt.Sprintf("%d", size)
	}

	return fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %s \"%s\" \"%s\" %.3fms\n",
		getClientIP(r),
		start.Format("02/Jan/2006:15:04:05 -0700"),
		r.Method,
		r.RequestURI,
		r.Proto,
		status,
		sizeField,
		referer,
		userAgent,
		float64(duration.Microseconds())/1000.0,
	)
}

// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package listener

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tomtom215/parcelguard/internal/audit"
)

// ActorHeader carries the authenticated actor ID set by the auth layer
// upstream of this middleware.
const ActorHeader = "X-Actor-ID"

// HTTPAudit returns a middleware that records request and response audit
// events through the async pipeline. Recording never affects the request.
func HTTPAudit(recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := r.Header.Get(ActorHeader)
			ip := clientIP(r)

			recorder.RecordHTTPRequest(r.Context(), actor, r.Method, r.URL.Path, ip, r.UserAgent())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			recorder.RecordHTTPResponse(r.Context(), actor, r.Method, r.URL.Path, ip,
				ww.Status(), time.Since(start))
		})
	}
}

// clientIP strips the port from RemoteAddr. RealIP middleware upstream has
// already rewritten RemoteAddr from forwarding headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

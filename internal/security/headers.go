package security

import "net/http"

// defensiveHeaders are set on every response from this layer.
var defensiveHeaders = map[string]string{
	"X-Frame-Options":        "DENY",
	"X-Content-Type-Options": "nosniff",
	"X-XSS-Protection":       "1; mode=block",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"X-DNS-Prefetch-Control": "off",
	"Permissions-Policy":     "geolocation=(), microphone=(), camera=(), payment=(), usb=()",
}

// ApplyHeaders sets the defensive response headers.
func ApplyHeaders(w http.ResponseWriter) {
	h := w.Header()
	for name, value := range defensiveHeaders {
		h.Set(name, value)
	}
}

// DisableCache marks a response as uncacheable. Applied to everything
// that carries tokens or challenge state.
func DisableCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

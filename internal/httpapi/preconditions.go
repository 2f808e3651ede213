package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/armadito/api"
)

// precheck runs the ordered precondition pipeline. The order is part of
// the protocol: unknown path, then User-Agent, then token presence,
// then method, then content type. The first failure wins and later
// checks never run.
func (h *Handler) precheck(r *http.Request) (*endpoint, *cannedResponse) {
	ep, ok := h.endpoints[r.URL.Path]
	if !ok {
		return nil, &cannedNotFound
	}
	if _, ok := r.Header["User-Agent"]; !ok {
		return nil, &cannedForbidden
	}
	if ep.needToken && r.Header.Get(api.TokenHeader) == "" {
		return nil, &cannedBadRequest
	}
	if _, ok := ep.methods[r.Method]; !ok {
		return nil, &cannedMethodNotAllowed
	}
	if r.Method == http.MethodPost && contentTypeOf(r) != "application/json" {
		return nil, &cannedUnsupportedMedia
	}
	return ep, nil
}

// contentTypeOf returns the media type with any parameters cut off at
// the first semicolon. No trimming or case folding is applied; the
// remainder must match byte for byte.
func contentTypeOf(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

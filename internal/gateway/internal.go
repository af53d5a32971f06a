package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	gwerrors "github.com/wudi/hotelgate/internal/errors"
	"github.com/wudi/hotelgate/internal/session"
)

// internalHandler serves the endpoints under InternalPrefix.
func (g *Gateway) internalHandler() http.Handler {
	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleOPTIONS = false
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gwerrors.ErrMethodNotAllowed.WriteJSON(w)
	})

	r.HandlerFunc(http.MethodGet, InternalPrefix+"health", g.handleHealth)
	r.HandlerFunc(http.MethodPost, InternalPrefix+"logout", g.handleLogout)
	if g.restricted != nil {
		r.Handler(http.MethodPost, InternalPrefix+"restricted", g.restricted)
	}
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogout clears the session cookie. Header-carried tokens are the
// client's to discard.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	session.ClearCookie(w, g.cookie)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// withChiParam attaches a chi URL parameter to a request, for calling a
// handler directly without routing through the full chi.Router.
func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func contextWithClaimsForTest(r *http.Request, claims *auth.Claims) context.Context {
	return context.WithValue(r.Context(), claimsContextKey, claims)
}

func contextWithNodeForTest(r *http.Request, node types.Node) context.Context {
	return context.WithValue(r.Context(), nodeContextKey, node)
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the structured error body,
// choosing the HTTP status from its ferrors.Kind.
func writeError(w http.ResponseWriter, err error) {
	status, body := ferrors.ToBody(err)
	writeJSON(w, status, body)
}

// decodeJSON decodes a request body and validates it against any
// `validate` struct tags out carries.
func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return ferrors.New(ferrors.Config, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return ferrors.Wrap(ferrors.Config, err, "decode request body")
	}
	if err := validate.Struct(out); err != nil {
		return ferrors.Wrap(ferrors.Config, err, "validate request body")
	}
	return nil
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func int64QueryParam(r *http.Request, name string, fallback int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// pathInt64Param reads a chi URL parameter as an int64 site/node/backup id.
func pathInt64Param(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, ferrors.New(ferrors.Config, "invalid "+name+" path parameter")
	}
	return n, nil
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// Problem type URIs that clients match on in addition to the status code.
const (
	ProblemTypeStaleEpoch = "https://betterbase.dev/errors/stale-epoch"
	ProblemTypeConflict   = "https://betterbase.dev/errors/conflict"
)

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized: {
		typeURI: "https://betterbase.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://betterbase.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://betterbase.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://betterbase.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://betterbase.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://betterbase.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusConflict: {
		typeURI: ProblemTypeConflict,
		title:   "Conflict",
	},
	http.StatusForbidden: {
		typeURI: "https://betterbase.dev/errors/forbidden",
		title:   "Forbidden",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://betterbase.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

func writeProblem(w http.ResponseWriter, p any, status int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{
			typeURI: "https://betterbase.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}
	writeProblem(w, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}, status)
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]
	writeProblem(w, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}, http.StatusUnprocessableEntity)
}

// WriteProblemStaleEpoch writes a 409 whose type tells the client to refresh
// its keys and re-encrypt.
func WriteProblemStaleEpoch(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, Problem{
		Type:     ProblemTypeStaleEpoch,
		Title:    "Stale Epoch",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: r.URL.Path,
	}, http.StatusConflict)
}

// MapError converts domain errors to Problem Details responses. Details of
// unexpected errors are logged, never returned.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.Is(err, types.ErrInvalid):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, types.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, types.ErrUnauthorized):
		WriteProblem(w, r, http.StatusUnauthorized, "Missing, expired or revoked credentials")
	case errors.Is(err, types.ErrForbidden):
		WriteProblem(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, types.ErrStaleEpoch):
		WriteProblemStaleEpoch(w, r, err.Error())
	case errors.Is(err, types.ErrConflict):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed",
			"component", "api",
			"action", "map_error",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

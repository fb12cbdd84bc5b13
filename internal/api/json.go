package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"roadside/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeKindProblem(w, status, "", title, detail, instance)
}

func writeKindProblem(w http.ResponseWriter, status int, kind model.Kind, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		Kind:     string(kind),
	})
}

// writeError maps a domain error onto its problem response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status, title := http.StatusInternalServerError, "Internal error"
	switch kind {
	case model.KindValidation:
		status, title = http.StatusBadRequest, "Validation failed"
	case model.KindNotFound:
		status, title = http.StatusNotFound, "Not found"
	case model.KindInvalidTransition:
		status, title = http.StatusConflict, "Invalid transition"
	case model.KindNotCancellable:
		status, title = http.StatusConflict, "Not cancellable"
	case model.KindNoLongerAvailable:
		status, title = http.StatusConflict, "This request is no longer available"
	case model.KindForbidden:
		status, title = http.StatusForbidden, "Forbidden"
	case model.KindMissingAmount:
		status, title = http.StatusUnprocessableEntity, "Missing amount"
	case model.KindMissingLocation:
		status, title = http.StatusUnprocessableEntity, "Missing location"
	case model.KindDependency:
		status, title = http.StatusServiceUnavailable, "Dependency unavailable"
	}
	detail := err.Error()
	if kind == "" {
		// unknown errors may carry internals
		detail = ""
	}
	writeKindProblem(w, status, kind, title, detail, r.URL.Path)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.Validationf("invalid JSON: %v", err)
	}
	return nil
}

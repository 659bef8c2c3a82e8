package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"precalc-backend/internal/core/pipeline"
	"precalc-backend/internal/core/types"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(code int, err error) error {
	return &codedError{err: err, code: code}
}

func CodedErrorf(code int, format string, args ...any) error {
	return &codedError{err: fmt.Errorf(format, args...), code: code}
}

// classifyError attaches a status code to errors from the core packages.
func classifyError(err error) error {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return err
	}

	switch {
	case errors.Is(err, types.ErrRequestNotFound), errors.Is(err, pipeline.ErrRunNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, types.ErrUnknownModel):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, types.ErrRequestConflict):
		return CodedError(http.StatusConflict, err)
	case errors.Is(err, types.ErrInvalidShardSpec), errors.Is(err, types.ErrSchemaValidation):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, types.ErrInvalidState):
		return CodedError(http.StatusConflict, err)
	case errors.Is(err, types.ErrQueryTimeout):
		return CodedError(http.StatusGatewayTimeout, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func ParseRequest[T any](r *http.Request) (T, error) {
	var data T
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		slog.Error("error parsing request body", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request body")
	}
	return data, nil
}

func ParseRequestQueryParams[T any](r *http.Request) (T, error) {
	var data T
	if err := r.ParseForm(); err != nil {
		slog.Error("error parsing form", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params")
	}

	err := schema.NewDecoder().Decode(&data, r.Form)
	if err != nil {
		slog.Error("error decoding query params", "error", err)
		return data, CodedErrorf(http.StatusBadRequest, "unable to parse request query params: %v", err)
	}

	return data, nil
}

func RestHandler(handler func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := handler(r)
		if err != nil {
			var cerr *codedError
			if errors.As(classifyError(err), &cerr) {
				http.Error(w, err.Error(), cerr.code)
				if cerr.code == http.StatusInternalServerError {
					slog.Error("internal server error received in endpoint", "error", err)
				}
			}
			return
		}

		if res == nil {
			res = struct{}{}
		}

		WriteJsonResponse(w, res)
	}
}

func WriteJsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
	}
}

func URLParamUUID(r *http.Request, key string) (uuid.UUID, error) {
	param := chi.URLParam(r, key)

	if len(param) == 0 {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "missing {%v} url parameter", key)
	}

	id, err := uuid.Parse(param)
	if err != nil {
		return uuid.Nil, CodedErrorf(http.StatusBadRequest, "invalid uuid '%v' url parameter provided: %w", key, err)
	}

	return id, nil
}

var identifierPattern = regexp.MustCompile(`^[\w.-]+$`)

// URLParamIdentifier reads a request or model id from the path.
func URLParamIdentifier(r *http.Request, key string) (string, error) {
	param := chi.URLParam(r, key)
	if err := validateIdentifier(key, param); err != nil {
		return "", err
	}
	return param, nil
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return CodedErrorf(http.StatusBadRequest, "missing %s", field)
	}
	if !identifierPattern.MatchString(value) {
		return CodedErrorf(http.StatusBadRequest, "invalid %s '%s' provided: only alphanumeric characters, underscores, dots and hyphens are allowed", field, value)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/images"
	"github.com/Tutortoise/object-detection-service/models"
)

// APIError is what a failed request turns into before it is written out.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

func invalidInput() *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Code: CodeValidationError, Message: MsgInvalidInput}
}

// toAPIError classifies err. Anything unrecognised is an internal error whose
// cause stays in the log.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	var decodeErr *images.DecodeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, images.ErrEmptyPayload):
		return &APIError{Status: http.StatusBadRequest, Code: CodeEmptyPayload, Message: images.ErrEmptyPayload.Error()}
	case errors.Is(err, images.ErrPayloadTooLarge), errors.As(err, &maxBytesErr):
		return &APIError{Status: http.StatusBadRequest, Code: CodePayloadTooLarge, Message: images.ErrPayloadTooLarge.Error()}
	case errors.As(err, &decodeErr):
		return &APIError{Status: http.StatusBadRequest, Code: CodeDecodeError, Message: decodeErr.Error()}
	case errors.Is(err, detections.ErrModelNotReady):
		return &APIError{Status: http.StatusServiceUnavailable, Code: CodeModelNotReady, Message: MsgModelNotLoaded}
	case errors.Is(err, detections.ErrBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &APIError{Status: http.StatusServiceUnavailable, Code: CodeBusy, Message: MsgBusy}
	default:
		return &APIError{Status: http.StatusInternalServerError, Code: CodeInternalError, Message: MsgServerError}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, apiErr *APIError) {
	writeJSON(w, apiErr.Status, models.ErrorResponse{
		Success: false,
		Error:   apiErr.Message,
		Code:    apiErr.Code,
	})
}

package main

const (
	MsgServiceName = "RT-DETR object detection API"

	MsgModelNotLoaded   = "model is not loaded"
	MsgBusy             = "all inference sessions are busy, try again later"
	MsgInvalidInput     = "invalid input"
	MsgServerError      = "internal server error"
	MsgNotFound         = "Not Found"
	MsgMethodNotAllowed = "Method Not Allowed"
	MsgRateLimited      = "too many requests, slow down"
)

// Error categories reported in the "code" field of error responses.
const (
	CodeEmptyPayload     = "empty_payload"
	CodePayloadTooLarge  = "payload_too_large"
	CodeDecodeError      = "decode_error"
	CodeModelNotReady    = "model_not_ready"
	CodeBusy             = "busy"
	CodeValidationError  = "validation_error"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternalError    = "internal_error"
)

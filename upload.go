package main

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/images"
)

const (
	uploadField = "file"

	// Room for a base64 encoded image plus the multipart or JSON framing
	// around it. The image itself is limited separately.
	maxBodySize = images.MaxImageSize*4/3 + 1<<20
)

// payloadFor picks how to read the image out of r. Nothing is read, and an
// unusable request is not reported, until the returned Payload is called.
func payloadFor(r *http.Request) Payload {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case err != nil:
		return rejectPayload
	case mediaType == "multipart/form-data":
		return func() ([]byte, error) { return readMultipart(r) }
	case mediaType == "application/json":
		return func() ([]byte, error) { return readJSON(r.Body) }
	case mediaType == "application/octet-stream", strings.HasPrefix(mediaType, "image/"):
		return func() ([]byte, error) { return images.ReadLimited(r.Body) }
	default:
		return rejectPayload
	}
}

func rejectPayload() ([]byte, error) {
	return nil, invalidInput()
}

// readMultipart streams parts until it finds the upload field. Earlier parts
// are skipped without being buffered.
func readMultipart(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, invalidInput()
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, invalidInput()
		}
		if err != nil {
			return nil, bodyError(err)
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}
		defer part.Close()

		data, err := images.ReadLimited(part)
		if err != nil {
			return nil, bodyError(err)
		}
		return data, nil
	}
}

func readJSON(body io.Reader) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, bodyError(err)
	}
	if req.Image == "" {
		return nil, images.ErrEmptyPayload
	}
	if len(req.Image) > base64.StdEncoding.EncodedLen(images.MaxImageSize) {
		return nil, images.ErrPayloadTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, invalidInput()
	}
	if err := images.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// bodyError keeps size and empty payload errors and treats any other read
// failure as a malformed request.
func bodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.Is(err, images.ErrEmptyPayload) || errors.Is(err, images.ErrPayloadTooLarge) || errors.As(err, &maxBytesErr) {
		return err
	}
	return invalidInput()
}

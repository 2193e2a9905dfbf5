package inference

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/gif"  // Register GIF decoding.
	_ "image/jpeg" // Register JPEG decoding.
	_ "image/png"  // Register PNG decoding.
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // Register BMP decoding.
	_ "golang.org/x/image/tiff" // Register TIFF decoding.
	_ "golang.org/x/image/webp" // Register WebP decoding.
)

var (
	// ErrMissingInputs is returned when the request carries no image payload.
	ErrMissingInputs = errors.New("request has no inputs")

	// ErrMissingSeparator is returned when the payload has no comma separating the
	// data URL header from the encoded image.
	ErrMissingSeparator = errors.New("payload is not a data URL: missing ',' after the header")

	// ErrInvalidBase64 is returned when the encoded image is not valid base64.
	ErrInvalidBase64 = errors.New("payload is not valid base64")

	// ErrInvalidImage is returned when the decoded bytes are not an image in a known format.
	ErrInvalidImage = errors.New("payload is not a supported image")
)

// IsInputError reports whether err was caused by a malformed request rather than a model failure.
func IsInputError(err error) bool {
	for _, target := range []error{ErrMissingInputs, ErrMissingSeparator, ErrInvalidBase64, ErrInvalidImage} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ExtractPayload returns the image payload of a request body: the "inputs" field of a JSON
// object, or the body itself when it is a bare JSON string.
func ExtractPayload(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", ErrMissingInputs
	}

	var raw string
	if body[0] == '"' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return "", errors.Wrap(ErrMissingInputs, err.Error())
		}
	} else {
		var request struct {
			Inputs *json.RawMessage `json:"inputs"`
		}
		if err := json.Unmarshal(body, &request); err != nil {
			return "", errors.Wrapf(ErrMissingInputs, "body is neither a JSON object nor a string: %v", err)
		}
		if request.Inputs == nil {
			return "", ErrMissingInputs
		}
		if err := json.Unmarshal(*request.Inputs, &raw); err != nil {
			return "", errors.Wrap(ErrMissingInputs, "inputs must be a string")
		}
	}
	if raw == "" {
		return "", ErrMissingInputs
	}
	return raw, nil
}

// DecodeDataURL drops everything up to and including the first comma of s and base64-decodes
// the rest. Padding is optional and whitespace (line breaks of wrapped encoders) is ignored.
func DecodeDataURL(s string) ([]byte, error) {
	_, encoded, found := strings.Cut(s, ",")
	if !found {
		return nil, ErrMissingSeparator
	}
	encoded = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, encoded)

	encoding := base64.StdEncoding
	if len(encoded)%4 != 0 {
		encoding = base64.RawStdEncoding
		encoded = strings.TrimRight(encoded, "=")
	}
	data, err := encoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidBase64, err.Error())
	}
	return data, nil
}

// DecodeImage decodes an encoded image, applying its EXIF orientation.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "%s (%d bytes): %v", mimetype.Detect(data), len(data), err)
	}
	return img, nil
}

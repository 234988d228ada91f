package email

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// IsDataURI reports whether source uses the data: scheme.
func IsDataURI(source string) bool {
	return len(source) >= 5 && strings.EqualFold(source[:5], "data:")
}

// IsHTTPURL reports whether source is an http or https URL.
func IsHTTPURL(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ParseDataURI decodes an RFC 2397 data URI and returns its media type and
// payload bytes. A missing media type defaults to text/plain.
func ParseDataURI(source string) (string, []byte, error) {
	if !IsDataURI(source) {
		return "", nil, ErrInvalidDataURI
	}

	meta, payload, ok := strings.Cut(source[5:], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing comma", ErrInvalidDataURI)
	}

	isBase64 := false
	params := strings.Split(meta, ";")
	if n := len(params); n > 0 && strings.EqualFold(params[n-1], "base64") {
		isBase64 = true
		params = params[:n-1]
	}

	mediaType := strings.TrimSpace(params[0])
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// some producers drop the padding
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
			}
		}
		return strings.ToLower(mediaType), data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return strings.ToLower(mediaType), []byte(decoded), nil
}

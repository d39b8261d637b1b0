// Package upload validates incoming images and keeps them in a scratch directory
// for the lifetime of a single request.
package upload

import (
	"errors"
	"mime"
	"path/filepath"
	"strings"
)

// ErrUnsupportedMediaType is returned for uploads outside the jpeg/jpg/png allow-list.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

var (
	allowedExtensions = map[string]struct{}{".jpeg": {}, ".jpg": {}, ".png": {}}
	allowedSubtypes   = map[string]struct{}{"jpeg": {}, "jpg": {}, "png": {}}
)

// Validate accepts a file only when both its declared MIME type and its filename
// extension are jpeg, jpg or png. Extension and MIME comparisons ignore case.
func Validate(filename, mimeType string) error {
	if !allowedExtension(filename) || !allowedMIME(mimeType) {
		return ErrUnsupportedMediaType
	}
	return nil
}

func allowedExtension(filename string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

func allowedMIME(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	kind, subtype, found := strings.Cut(mediaType, "/")
	if !found || kind != "image" {
		return false
	}
	_, ok := allowedSubtypes[subtype]
	return ok
}

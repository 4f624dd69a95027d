package object

import (
	"strings"
	"unicode/utf8"

	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// S3 object tagging limits.
const (
	maxTagsPerObject  = 10
	maxTagKeyLength   = 128
	maxTagValueLength = 256
)

func validateTags(tags map[string]string) error {
	if len(tags) > maxTagsPerObject {
		return s3errors.ErrInvalidArgument.WithMessage("Object tags cannot be greater than 10")
	}

	for key, value := range tags {
		keyLen := utf8.RuneCountInString(key)

		if keyLen == 0 {
			return s3errors.ErrInvalidArgument.WithMessage("Tag key cannot be empty")
		}

		if keyLen > maxTagKeyLength {
			return s3errors.ErrInvalidArgument.WithMessage("Tag key exceeds maximum length of 128")
		}

		if utf8.RuneCountInString(value) > maxTagValueLength {
			return s3errors.ErrInvalidArgument.WithMessage("Tag value exceeds maximum length of 256")
		}

		if strings.HasPrefix(strings.ToLower(key), "aws:") {
			return s3errors.ErrInvalidArgument.WithMessage("Tag keys with the aws: prefix are reserved")
		}
	}

	return nil
}

// Package s3errors provides the closed set of S3-compatible error values
// returned by the Pelican control-plane core. Errors are matched with
// errors.Is by code, never by message text.
package s3errors

import (
	"fmt"
	"net/http"
)

// S3Error represents an S3 API error with code, message, status, and context.
type S3Error struct {
	Code       string
	Message    string
	Resource   string
	StatusCode int
}

// Error implements the error interface.
func (e S3Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (Resource: %s)", e.Code, e.Message, e.Resource)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithResource returns a copy of the error with the resource field set.
func (e S3Error) WithResource(resource string) S3Error {
	e.Resource = resource
	return e
}

// WithMessage returns a copy of the error with a custom message.
func (e S3Error) WithMessage(message string) S3Error {
	e.Message = message
	return e
}

// Is implements error matching for errors.Is().
func (e S3Error) Is(target error) bool {
	if t, ok := target.(S3Error); ok {
		return e.Code == t.Code
	}

	return false
}

// Bucket errors.
var (
	// ErrNoSuchBucket is returned when the specified bucket does not exist.
	ErrNoSuchBucket = S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		StatusCode: http.StatusNotFound,
	}

	// ErrBucketAlreadyExists is returned when the bucket name is already taken.
	ErrBucketAlreadyExists = S3Error{
		Code:       "BucketAlreadyExists",
		Message:    "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again",
		StatusCode: http.StatusConflict,
	}

	// ErrBucketNotEmpty is returned when a delete targets a non-empty bucket.
	ErrBucketNotEmpty = S3Error{
		Code:       "BucketNotEmpty",
		Message:    "The bucket you tried to delete is not empty",
		StatusCode: http.StatusConflict,
	}

	// ErrInvalidBucketName is returned when the bucket name is invalid.
	ErrInvalidBucketName = S3Error{
		Code:       "InvalidBucketName",
		Message:    "The specified bucket is not valid",
		StatusCode: http.StatusBadRequest,
	}
)

// Object errors.
var (
	// ErrNoSuchKey is returned when the specified key does not exist.
	ErrNoSuchKey = S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		StatusCode: http.StatusNotFound,
	}

	// ErrNoSuchVersion is returned when the requested version does not exist.
	ErrNoSuchVersion = S3Error{
		Code:       "NoSuchVersion",
		Message:    "The version ID specified in the request does not match an existing version",
		StatusCode: http.StatusNotFound,
	}

	// ErrMethodNotAllowed is returned for version reads that land on a delete marker.
	ErrMethodNotAllowed = S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		StatusCode: http.StatusMethodNotAllowed,
	}

	// ErrInvalidObjectState is returned when an archive or restore transition
	// is attempted from a state that does not permit it.
	ErrInvalidObjectState = S3Error{
		Code:       "InvalidObjectState",
		Message:    "The operation is not valid for the current state of the object",
		StatusCode: http.StatusForbidden,
	}
)

// Multipart upload errors.
var (
	// ErrNoSuchUpload is returned when the multipart upload session is unknown.
	ErrNoSuchUpload = S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed",
		StatusCode: http.StatusNotFound,
	}

	// ErrInvalidPart is returned when a listed part is missing or its entity
	// tag does not match the stored part.
	ErrInvalidPart = S3Error{
		Code:       "InvalidPart",
		Message:    "One or more of the specified parts could not be found. The part might not have been uploaded, or the specified entity tag might not have matched the part's entity tag",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidPartOrder is returned when the part list is not strictly ascending.
	ErrInvalidPartOrder = S3Error{
		Code:       "InvalidPartOrder",
		Message:    "The list of parts was not in ascending order. Parts must be ordered by part number",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidPartNumber is returned when the part number is outside the accepted range.
	ErrInvalidPartNumber = S3Error{
		Code:       "InvalidPartNumber",
		Message:    "The part number is not valid. Part number must be an integer between 1 and 10000, inclusive",
		StatusCode: http.StatusBadRequest,
	}

	// ErrEntityTooSmall is returned when a non-final part is below the minimum size.
	ErrEntityTooSmall = S3Error{
		Code:       "EntityTooSmall",
		Message:    "Your proposed upload is smaller than the minimum allowed object size",
		StatusCode: http.StatusBadRequest,
	}

	// ErrEntityTooLarge is returned when the upload exceeds the maximum allowed size.
	ErrEntityTooLarge = S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size",
		StatusCode: http.StatusBadRequest,
	}
)

// Access and retention errors.
var (
	// ErrAccessDenied is returned when access to the resource is denied.
	ErrAccessDenied = S3Error{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		StatusCode: http.StatusForbidden,
	}

	// ErrInvalidRequest is returned when the request is not valid, including
	// retention requests against buckets without object lock enabled.
	ErrInvalidRequest = S3Error{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInvalidRetentionDate is returned when the retention date is not in the future.
	ErrInvalidRetentionDate = S3Error{
		Code:       "InvalidRetentionDate",
		Message:    "Retention date must be greater than the current date",
		StatusCode: http.StatusBadRequest,
	}
)

// Concurrency and server errors.
var (
	// ErrOperationAborted is returned when an optimistic metadata write keeps
	// colliding after the bounded retry budget is spent.
	ErrOperationAborted = S3Error{
		Code:       "OperationAborted",
		Message:    "A conflicting conditional operation is currently in progress against this resource. Please try again",
		StatusCode: http.StatusConflict,
	}

	// ErrInternalError is returned when an internal error occurred.
	ErrInternalError = S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again",
		StatusCode: http.StatusInternalServerError,
	}
)

// GetS3Error attempts to extract an S3Error from an error.
// If the error is not an S3Error, it returns ErrInternalError.
func GetS3Error(err error) S3Error {
	if s3err, ok := err.(S3Error); ok {
		return s3err
	}

	return ErrInternalError.WithMessage(err.Error())
}

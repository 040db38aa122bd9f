package models

import "errors"

// Error kinds surfaced by the pipeline. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrUnsupportedFileType indicates a MIME type outside the ingestion allow-list.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrFileTooLarge indicates the upload exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyInput indicates a question or file with no content after trimming.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidInput indicates a request parameter outside its allowed range.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedInput indicates no extractor is registered for an allowed file type.
	ErrUnsupportedInput = errors.New("text extraction not supported")

	// ErrDimensionMismatch indicates two vectors of different lengths were compared.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexUnavailable indicates the vector index cannot serve the request.
	// Safe to retry.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrSynthesis indicates the answer generation step failed.
	ErrSynthesis = errors.New("answer synthesis failed")

	// ErrTimeout indicates an external model call exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// IsTransient reports whether err is a candidate for caller-controlled retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrIndexUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrSynthesis)
}

// IsValidation reports whether err was a boundary rejection that must not be retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnsupportedFileType) ||
		errors.Is(err, ErrFileTooLarge) ||
		errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnsupportedInput)
}

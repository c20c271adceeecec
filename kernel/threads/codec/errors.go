package codec

import "errors"

// Format error codes. They are stable strings so that logs from different
// runtimes reading the same file can be compared.
const (
	CodeBadMagic           = "BAD_MAGIC"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeTruncated          = "TRUNCATED"
	CodeBadGeometry        = "BAD_GEOMETRY"
)

// FormatError is a fatal, non-retryable problem with the bytes of a ring
// file or archive.
type FormatError struct {
	Code    string
	Message string
}

func (e *FormatError) Error() string {
	if e.Message == "" {
		return "ring format: " + e.Code
	}
	return "ring format: " + e.Code + ": " + e.Message
}

// Is matches any *FormatError with the same Code, so callers can write
// errors.Is(err, codec.ErrBadMagic).
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrBadMagic           = &FormatError{Code: CodeBadMagic}
	ErrUnsupportedVersion = &FormatError{Code: CodeUnsupportedVersion}
	ErrTruncated          = &FormatError{Code: CodeTruncated}
	ErrBadGeometry        = &FormatError{Code: CodeBadGeometry}
)

// ErrFieldOverflow is returned when fields cannot be represented by the
// selected slot layout. It is a caller error, not a file format problem.
var ErrFieldOverflow = errors.New("fields do not fit slot layout")

// IsFormatError reports whether err is (or wraps) a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

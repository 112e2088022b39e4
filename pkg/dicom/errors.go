package dicom

import "errors"

var (
	// ErrUnsupportedBitDepth rejects pixel formats other than 8 or 16 bits
	// allocated.
	ErrUnsupportedBitDepth = errors.New("unsupported bit depth")
	// ErrUnsupportedTransferSyntax rejects a transfer syntax the adapter
	// cannot decode.
	ErrUnsupportedTransferSyntax = errors.New("unsupported transfer syntax")
	// ErrTransferSyntaxMismatch reports a codestream whose kernel or
	// progression the chosen transfer syntax does not admit.
	ErrTransferSyntaxMismatch = errors.New("transfer syntax mismatch")
	// ErrInvalidPixelData reports a malformed pixel data element.
	ErrInvalidPixelData = errors.New("invalid pixel data")
	// ErrMissingPixelData is returned when a dataset has no (7FE0,0010).
	ErrMissingPixelData = errors.New("missing pixel data")
	// ErrSampleRange reports a sample outside Bits Stored under the strict
	// policy.
	ErrSampleRange = errors.New("sample out of range")
)

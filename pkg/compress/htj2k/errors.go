package htj2k

import (
	"errors"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
)

// Common errors
var (
	// ErrInvalidLevels is returned when a tile cannot hold the requested
	// decomposition levels, or a reduction exceeds them.
	ErrInvalidLevels = dwt.ErrInvalidLevels
	// ErrRateUnachievable is returned for rate requests that cannot be met,
	// such as lossless coding with the 9/7 kernel.
	ErrRateUnachievable = tier.ErrRateUnachievable
	// ErrCorruptStream is matched by every *CorruptStreamError.
	ErrCorruptStream = codestream.ErrCorruptStream
	// ErrUnsupported reports valid codestream syntax this package does not
	// decode.
	ErrUnsupported = codestream.ErrUnsupported
	// ErrSequence is returned when Encoder steps run out of order.
	ErrSequence = errors.New("encoder step out of sequence")
	// ErrInvalidConfig reports bad geometry, options or image samples.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// CorruptStreamError locates the byte where decoding failed.
type CorruptStreamError = codestream.CorruptStreamError

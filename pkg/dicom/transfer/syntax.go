// Package transfer defines DICOM Transfer Syntaxes
package transfer

// Syntax represents a DICOM Transfer Syntax
type Syntax string

// Standard Transfer Syntaxes
const (
	// Uncompressed
	ImplicitVRLittleEndian    Syntax = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian    Syntax = "1.2.840.10008.1.2.1"
	ExplicitVRLittleEndianExt Syntax = "1.2.840.10008.1.2.1.64" // Extended (>4GB)
	ExplicitVRBigEndian       Syntax = "1.2.840.10008.1.2.2"    // Retired

	// JPEG Lossless
	JPEGLosslessFirstOrder Syntax = "1.2.840.10008.1.2.4.70"

	// JPEG-LS
	JPEGLSLossless     Syntax = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless Syntax = "1.2.840.10008.1.2.4.81"

	// JPEG 2000
	JPEG2000Lossless Syntax = "1.2.840.10008.1.2.4.90"
	JPEG2000         Syntax = "1.2.840.10008.1.2.4.91"

	// High-Throughput JPEG 2000
	HTJ2KLossless     Syntax = "1.2.840.10008.1.2.4.201"
	HTJ2KLosslessRPCL Syntax = "1.2.840.10008.1.2.4.202"
	HTJ2K             Syntax = "1.2.840.10008.1.2.4.203"

	// Other
	RLELossless        Syntax = "1.2.840.10008.1.2.5"
	DeflatedExplicitVR Syntax = "1.2.840.10008.1.2.1.99"
)

// IsExplicitVR returns true if this transfer syntax uses explicit VR
func (s Syntax) IsExplicitVR() bool {
	return s != ImplicitVRLittleEndian
}

// IsLittleEndian returns true if this transfer syntax uses little endian byte order
func (s Syntax) IsLittleEndian() bool {
	return s != ExplicitVRBigEndian
}

// IsEncapsulated returns true if pixel data is encapsulated (compressed)
func (s Syntax) IsEncapsulated() bool {
	switch s {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRLittleEndianExt, ExplicitVRBigEndian, DeflatedExplicitVR:
		return false
	default:
		return true
	}
}

// IsHTJ2K returns true for the three High-Throughput JPEG 2000 syntaxes
func (s Syntax) IsHTJ2K() bool {
	return s == HTJ2KLossless || s == HTJ2KLosslessRPCL || s == HTJ2K
}

// IsLossless returns true if the syntax only admits lossless pixel data
func (s Syntax) IsLossless() bool {
	switch s {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRLittleEndianExt, ExplicitVRBigEndian, DeflatedExplicitVR,
		JPEGLosslessFirstOrder, JPEGLSLossless, JPEG2000Lossless,
		HTJ2KLossless, HTJ2KLosslessRPCL, RLELossless:
		return true
	default:
		return false
	}
}

// Name returns a human-readable name for the transfer syntax
func (s Syntax) Name() string {
	switch s {
	case ImplicitVRLittleEndian:
		return "Implicit VR Little Endian"
	case ExplicitVRLittleEndian:
		return "Explicit VR Little Endian"
	case ExplicitVRLittleEndianExt:
		return "Explicit VR Little Endian Extended"
	case ExplicitVRBigEndian:
		return "Explicit VR Big Endian (Retired)"
	case JPEGLosslessFirstOrder:
		return "JPEG Lossless First-Order (Process 14, SV1)"
	case JPEGLSLossless:
		return "JPEG-LS Lossless"
	case JPEGLSNearLossless:
		return "JPEG-LS Near-Lossless"
	case JPEG2000Lossless:
		return "JPEG 2000 Lossless"
	case JPEG2000:
		return "JPEG 2000"
	case HTJ2KLossless:
		return "High-Throughput JPEG 2000 (Lossless Only)"
	case HTJ2KLosslessRPCL:
		return "High-Throughput JPEG 2000 with RPCL Options (Lossless Only)"
	case HTJ2K:
		return "High-Throughput JPEG 2000"
	case RLELossless:
		return "RLE Lossless"
	case DeflatedExplicitVR:
		return "Deflated Explicit VR Little Endian"
	default:
		return string(s)
	}
}

// FromUID converts a UID string to a Syntax
func FromUID(uid string) Syntax {
	return Syntax(uid)
}

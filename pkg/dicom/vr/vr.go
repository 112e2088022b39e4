// Package vr defines DICOM Value Representations
package vr

// VR represents a DICOM Value Representation
type VR string

// Standard DICOM Value Representations
const (
	AE VR = "AE" // Application Entity (16 bytes max)
	AS VR = "AS" // Age String (4 bytes fixed)
	AT VR = "AT" // Attribute Tag (4 bytes fixed)
	CS VR = "CS" // Code String (16 bytes max)
	DA VR = "DA" // Date (8 bytes fixed)
	DS VR = "DS" // Decimal String (16 bytes max)
	DT VR = "DT" // DateTime (26 bytes max)
	FL VR = "FL" // Floating Point Single (4 bytes fixed)
	FD VR = "FD" // Floating Point Double (8 bytes fixed)
	IS VR = "IS" // Integer String (12 bytes max)
	LO VR = "LO" // Long String (64 bytes max)
	LT VR = "LT" // Long Text (10240 bytes max)
	OB VR = "OB" // Other Byte String
	OD VR = "OD" // Other Double String
	OF VR = "OF" // Other Float String
	OL VR = "OL" // Other Long
	OV VR = "OV" // Other 64-bit Very Long
	OW VR = "OW" // Other Word String
	PN VR = "PN" // Person Name (64 bytes max per component)
	SH VR = "SH" // Short String (16 bytes max)
	SL VR = "SL" // Signed Long (4 bytes fixed)
	SQ VR = "SQ" // Sequence of Items
	SS VR = "SS" // Signed Short (2 bytes fixed)
	ST VR = "ST" // Short Text (1024 bytes max)
	SV VR = "SV" // Signed 64-bit Very Long
	TM VR = "TM" // Time (16 bytes max)
	UC VR = "UC" // Unlimited Characters
	UI VR = "UI" // Unique Identifier (64 bytes max)
	UL VR = "UL" // Unsigned Long (4 bytes fixed)
	UN VR = "UN" // Unknown
	UR VR = "UR" // Universal Resource Identifier
	US VR = "US" // Unsigned Short (2 bytes fixed)
	UT VR = "UT" // Unlimited Text
	UV VR = "UV" // Unsigned 64-bit Very Long
)

// IsLongLength returns true if the VR carries a 4-byte length after two
// reserved bytes in explicit VR encoding.
func (v VR) IsLongLength() bool {
	switch v {
	case OB, OD, OF, OL, OV, OW, SQ, SV, UC, UN, UR, UT, UV:
		return true
	}
	return false
}

// IsString returns true if this VR contains string data
func (v VR) IsString() bool {
	switch v {
	case AE, AS, CS, DA, DS, DT, IS, LO, LT, PN, SH, ST, TM, UC, UI, UR, UT:
		return true
	default:
		return false
	}
}

// Padding returns the byte used to pad a value to even length.
func (v VR) Padding() byte {
	switch v {
	case UI, OB, UN:
		return 0
	}
	if v.IsString() {
		return ' '
	}
	return 0
}

// ForTag returns the VR of the tags this module reads in implicit VR
// datasets. Unknown tags are UN.
func ForTag(group, element uint16) VR {
	switch {
	case group == 0x0002:
		switch element {
		case 0x0000:
			return UL
		case 0x0001:
			return OB
		case 0x0013:
			return SH
		}
		return UI
	case group == 0x7FE0 && element == 0x0010:
		return OW
	case group == 0x0028:
		switch element {
		case 0x0002, 0x0006, 0x0010, 0x0011, 0x0100, 0x0101, 0x0102, 0x0103:
			return US
		case 0x0008:
			return IS
		case 0x0004, 0x2110, 0x2114:
			return CS
		case 0x2112, 0x0030, 0x1050, 0x1051, 0x1052, 0x1053:
			return DS
		}
	case group == 0x0008:
		switch element {
		case 0x0016, 0x0018:
			return UI
		case 0x0060, 0x0008:
			return CS
		}
	}
	return UN
}

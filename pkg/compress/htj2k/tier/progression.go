package tier

import (
	"fmt"
	"slices"
	"strings"
)

// Progression is the packet ordering of a tile.
type Progression uint8

const (
	LRCP Progression = iota
	RLCP
	RPCL
	PCRL
	CPRL
)

func (p Progression) String() string {
	switch p {
	case LRCP:
		return "LRCP"
	case RLCP:
		return "RLCP"
	case RPCL:
		return "RPCL"
	case PCRL:
		return "PCRL"
	case CPRL:
		return "CPRL"
	}
	return fmt.Sprintf("Progression(%d)", uint8(p))
}

// ParseProgression accepts a progression name in any case.
func ParseProgression(s string) (Progression, error) {
	for p := LRCP; p <= CPRL; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown progression order %q", s)
}

// PacketID locates one packet of a tile. X and Y are the reference grid
// coordinates at which position-driven orders visit the precinct.
type PacketID struct {
	Layer, Res, Comp, Precinct int
	X, Y                       int
}

// Order sorts packets into the sequence prescribed by prog.
func Order(prog Progression, packets []PacketID) {
	key := func(a PacketID) []int {
		switch prog {
		case RLCP:
			return []int{a.Res, a.Layer, a.Comp, a.Precinct}
		case RPCL:
			return []int{a.Res, a.Y, a.X, a.Comp, a.Layer}
		case PCRL:
			return []int{a.Y, a.X, a.Comp, a.Res, a.Layer}
		case CPRL:
			return []int{a.Comp, a.Y, a.X, a.Res, a.Layer}
		}
		return []int{a.Layer, a.Res, a.Comp, a.Precinct}
	}
	slices.SortStableFunc(packets, func(a, b PacketID) int {
		return slices.Compare(key(a), key(b))
	})
}

// Division selects where tile-parts start.
type Division uint8

const (
	DivideNone Division = iota
	DivideResolution
	DivideComponent
	DivideBoth
)

func (d Division) String() string {
	switch d {
	case DivideNone:
		return "none"
	case DivideResolution:
		return "R"
	case DivideComponent:
		return "C"
	case DivideBoth:
		return "RC"
	}
	return fmt.Sprintf("Division(%d)", uint8(d))
}

// ParseDivision accepts "", "none", "R", "C" or "RC".
func ParseDivision(s string) (Division, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return DivideNone, nil
	case "R":
		return DivideResolution, nil
	case "C":
		return DivideComponent, nil
	case "RC", "CR":
		return DivideBoth, nil
	}
	return 0, fmt.Errorf("unknown tile-part division %q", s)
}

// MaxTileParts is the most tile-parts one tile may be split into.
const MaxTileParts = 255

// SplitTileParts returns the index of the first packet of every tile-part
// for an ordered packet sequence. A new tile-part starts whenever the
// resolution (R) or component (C) changes from one packet to the next.
// Once MaxTileParts is reached the remaining packets stay in the last part.
func SplitTileParts(div Division, packets []PacketID) []int {
	if len(packets) == 0 {
		return []int{0}
	}
	starts := []int{0}
	for i := 1; i < len(packets) && len(starts) < MaxTileParts; i++ {
		prev, cur := packets[i-1], packets[i]
		split := false
		if div == DivideResolution || div == DivideBoth {
			split = prev.Res != cur.Res
		}
		if div == DivideComponent || div == DivideBoth {
			split = split || prev.Comp != cur.Comp
		}
		if split {
			starts = append(starts, i)
		}
	}
	return starts
}

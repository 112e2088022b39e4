package tier

import "math"

const tagInf = math.MaxInt32

type tagNode struct {
	parent int
	value  int
	low    int
	known  bool
}

// TagTree codes a 2-D array of non-negative integers hierarchically, each
// parent holding the minimum of its up to four children.
type TagTree struct {
	w, h  int
	nodes []tagNode
}

// NewTagTree builds a tree over w x h leaves. Leaf values start unknown
// (infinite) for decoding; use SetValue before encoding.
func NewTagTree(w, h int) *TagTree {
	t := &TagTree{w: w, h: h}
	if w <= 0 || h <= 0 {
		return t
	}
	type level struct{ w, h, start int }
	var levels []level
	lw, lh, n := w, h, 0
	for {
		levels = append(levels, level{lw, lh, n})
		n += lw * lh
		if lw == 1 && lh == 1 {
			break
		}
		lw, lh = (lw+1)/2, (lh+1)/2
	}
	t.nodes = make([]tagNode, n)
	for i := range t.nodes {
		t.nodes[i] = tagNode{parent: -1, value: tagInf}
	}
	for li := 0; li+1 < len(levels); li++ {
		cur, up := levels[li], levels[li+1]
		for y := 0; y < cur.h; y++ {
			for x := 0; x < cur.w; x++ {
				t.nodes[cur.start+y*cur.w+x].parent = up.start + (y/2)*up.w + x/2
			}
		}
	}
	return t
}

// SetValue assigns a leaf value and propagates minima up the tree.
func (t *TagTree) SetValue(leaf, v int) {
	for n := leaf; n >= 0 && t.nodes[n].value > v; n = t.nodes[n].parent {
		t.nodes[n].value = v
	}
}

// Value returns a leaf value, tagInf when still unknown.
func (t *TagTree) Value(leaf int) int {
	return t.nodes[leaf].value
}

func (t *TagTree) path(leaf int) []int {
	var stack []int
	for n := leaf; n >= 0; n = t.nodes[n].parent {
		stack = append(stack, n)
	}
	return stack
}

// Encode writes the bits that tell a decoder whether the leaf value is
// below threshold.
func (t *TagTree) Encode(w *BitWriter, leaf, threshold int) {
	stack := t.path(leaf)
	low := 0
	for i := len(stack) - 1; i >= 0; i-- {
		nd := &t.nodes[stack[i]]
		if low > nd.low {
			nd.low = low
		} else {
			low = nd.low
		}
		for low < threshold {
			if low >= nd.value {
				if !nd.known {
					w.WriteBit(1)
					nd.known = true
				}
				break
			}
			w.WriteBit(0)
			low++
		}
		nd.low = low
	}
}

// Decode reads bits until it knows whether the leaf value is below
// threshold, and reports that.
func (t *TagTree) Decode(r *BitReader, leaf, threshold int) (bool, error) {
	stack := t.path(leaf)
	low := 0
	for i := len(stack) - 1; i >= 0; i-- {
		nd := &t.nodes[stack[i]]
		if low > nd.low {
			nd.low = low
		} else {
			low = nd.low
		}
		for low < threshold && low < nd.value {
			bit, err := r.ReadBit()
			if err != nil {
				return false, err
			}
			if bit == 1 {
				nd.value = low
			} else {
				low++
			}
		}
		nd.low = low
	}
	return t.nodes[leaf].value < threshold, nil
}

package tier

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// ErrRateUnachievable reports a rate request that cannot be met.
var ErrRateUnachievable = errors.New("rate unachievable")

// Option is one way to code a block: a cleanup plane followed by its
// refinement passes. Bytes and Dist are cumulative per pass.
type Option struct {
	Plane int
	Bytes []int
	Dist  []float64
}

// Block is the rate-distortion description of one code-block. Dist values
// are already weighted by the band's contribution to image error.
type Block struct {
	Dist0   float64
	Options []Option
}

// Choice is the allocation for one block: the selected option (or -1) and
// the cumulative number of its passes included after each layer.
type Choice struct {
	Option int
	Passes []int
}

// Final returns the passes included once every layer is decoded.
func (c Choice) Final() int {
	if len(c.Passes) == 0 {
		return 0
	}
	return c.Passes[len(c.Passes)-1]
}

// FirstLayer returns the first layer contributing to the block, or -1.
func (c Choice) FirstLayer() int {
	for l, n := range c.Passes {
		if n > 0 {
			return l
		}
	}
	return -1
}

// Allocate distributes block passes across layers. With budget <= 0 every
// block keeps all passes of its last option and earlier layers take whole
// blocks in order of distortion reduction per byte. With a positive budget
// a Lagrangian search picks the option and pass count of each block so the
// total stays within budget bytes; earlier layers get geometrically
// smaller budgets.
func Allocate(blocks []Block, layers int, budget int) ([]Choice, error) {
	if layers < 1 {
		return nil, fmt.Errorf("%w: %d layers", ErrRateUnachievable, layers)
	}
	choices := make([]Choice, len(blocks))
	if budget <= 0 {
		allocateWhole(blocks, layers, choices)
		return choices, nil
	}

	final := make([]pick, len(blocks))
	lambda := searchLambda(budget, func(l float64) int {
		return selectAll(blocks, l, nil, final)
	})
	total := selectAll(blocks, lambda, nil, final)
	slog.Debug("rate allocation",
		slog.Int("blocks", len(blocks)),
		slog.Int("budget", budget),
		slog.Int("bytes", total),
		slog.Float64("lambda", lambda))

	for i := range choices {
		choices[i] = Choice{Option: final[i].option, Passes: make([]int, layers)}
		choices[i].Passes[layers-1] = final[i].passes
	}
	cur := make([]pick, len(blocks))
	for l := layers - 2; l >= 0; l-- {
		lb := int(float64(budget) / math.Pow(2, float64(layers-1-l)))
		pin := func(i int) (int, int) { return choices[i].Option, choices[i].Passes[l+1] }
		lam := searchLambda(lb, func(x float64) int {
			return selectAll(blocks, x, pin, cur)
		})
		selectAll(blocks, lam, pin, cur)
		for i := range choices {
			choices[i].Passes[l] = min(cur[i].passes, choices[i].Passes[l+1])
		}
	}
	return choices, nil
}

type pick struct {
	option int
	passes int
	bytes  int
}

// selectAll picks, per block, the option and pass count minimizing
// D + lambda*R. When pin is set each block is held to the given option and
// at most the given number of passes. It returns the total bytes.
func selectAll(blocks []Block, lambda float64, pin func(int) (int, int), out []pick) int {
	total := 0
	for i, b := range blocks {
		best := pick{option: -1}
		bestJ := b.Dist0
		for o, opt := range b.Options {
			n := len(opt.Bytes)
			if pin != nil {
				po, pn := pin(i)
				if o != po {
					continue
				}
				n = min(n, pn)
			}
			for z := 1; z <= n; z++ {
				j := opt.Dist[z-1] + lambda*float64(opt.Bytes[z-1])
				if j < bestJ {
					bestJ = j
					best = pick{option: o, passes: z, bytes: opt.Bytes[z-1]}
				}
			}
		}
		out[i] = best
		total += best.bytes
	}
	return total
}

// searchLambda finds the smallest slope threshold whose selection fits in
// budget bytes.
func searchLambda(budget int, rate func(float64) int) float64 {
	if rate(0) <= budget {
		return 0
	}
	lo, hi := -60.0, 120.0 // log2 bounds
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if rate(math.Exp2(mid)) <= budget {
			hi = mid
		} else {
			lo = mid
		}
	}
	return math.Exp2(hi)
}

func allocateWhole(blocks []Block, layers int, choices []Choice) {
	type ranked struct {
		idx   int
		bytes int
		slope float64
	}
	var order []ranked
	total := 0
	for i, b := range blocks {
		choices[i] = Choice{Option: -1, Passes: make([]int, layers)}
		if len(b.Options) == 0 {
			continue
		}
		o := len(b.Options) - 1
		opt := b.Options[o]
		n := len(opt.Bytes)
		choices[i].Option = o
		r := opt.Bytes[n-1]
		total += r
		order = append(order, ranked{idx: i, bytes: r, slope: (b.Dist0 - opt.Dist[n-1]) / float64(max(r, 1))})
	}
	sort.SliceStable(order, func(a, b int) bool {
		return order[a].slope > order[b].slope
	})
	cum := 0
	for _, e := range order {
		cum += e.bytes
		n := len(blocks[e.idx].Options[choices[e.idx].Option].Bytes)
		first := layers - 1
		for l := 0; l < layers-1; l++ {
			if float64(cum) <= float64(total)/math.Pow(2, float64(layers-1-l)) {
				first = l
				break
			}
		}
		for l := first; l < layers; l++ {
			choices[e.idx].Passes[l] = n
		}
	}
}

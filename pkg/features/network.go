// Package features runs the convolutional feature stack of a VGG19 network
// and turns its activations into per-pixel saliency maps.
//
// Layer indices follow the torchvision numbering of vgg19().features, where
// every convolution, ReLU and max pool counts as one layer. Index 3 is the
// ReLU after the second convolution.
package features

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"medfuse/internal/models"
)

// poolMarker stands for a max pool in the layer configuration
const poolMarker = -1

// vgg19Config is configuration "E": output channels of each convolution,
// with pools in between
var vgg19Config = []int{
	64, 64, poolMarker,
	128, 128, poolMarker,
	256, 256, 256, 256, poolMarker,
	512, 512, 512, 512, poolMarker,
	512, 512, 512, 512, poolMarker,
}

// DefaultTapDepths are the layers captured when no depths are configured
var DefaultTapDepths = []int{3}

// InputChannels is the channel count the first convolution expects
const InputChannels = 3

// expandConfig lists the kind of every layer of the full stack
func expandConfig() []layerKind {
	var kinds []layerKind
	for _, v := range vgg19Config {
		if v == poolMarker {
			kinds = append(kinds, kindMaxPool)
			continue
		}
		kinds = append(kinds, kindConv, kindReLU)
	}
	return kinds
}

// convShapes returns the (in, out) channel pair of every convolution in order
func convShapes() [][2]int {
	var shapes [][2]int
	in := InputChannels
	for _, v := range vgg19Config {
		if v == poolMarker {
			continue
		}
		shapes = append(shapes, [2]int{in, v})
		in = v
	}
	return shapes
}

// NumLayers is the number of layers in the full feature stack
func NumLayers() int {
	return len(expandConfig())
}

// ConvsThrough returns how many convolutions run up to and including depth
func ConvsThrough(depth int) int {
	n := 0
	for i, k := range expandConfig() {
		if i > depth {
			break
		}
		if k == kindConv {
			n++
		}
	}
	return n
}

// FeatureMap is the activation captured at one tap depth
type FeatureMap struct {
	Depth  int
	Tensor *models.Tensor
}

// Network is an inference-only feature stack. After construction it is
// read-only and safe for concurrent use.
type Network struct {
	layers    []layer
	tapDepths []int
	workers   int
	weights   *Weights
	logger    zerolog.Logger
}

// Option configures a Network
type Option func(*Network)

// WithTapDepths sets the layer indices whose activations Extract returns
func WithTapDepths(depths ...int) Option {
	return func(n *Network) {
		n.tapDepths = slices.Clone(depths)
	}
}

// WithWorkers limits how many row bands a convolution computes at once.
// Values below one select GOMAXPROCS.
func WithWorkers(workers int) Option {
	return func(n *Network) {
		n.workers = workers
	}
}

// WithWeights sets trained convolution parameters. Without it the built-in
// filter bank is used.
func WithWeights(w *Weights) Option {
	return func(n *Network) {
		n.weights = w
	}
}

// WithLogger sets the logger used for per-layer debug output
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Network) {
		n.logger = logger
	}
}

// New builds the feature stack up to the deepest tap depth
func New(opts ...Option) (*Network, error) {
	n := &Network{
		tapDepths: slices.Clone(DefaultTapDepths),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.workers <= 0 {
		n.workers = runtime.GOMAXPROCS(0)
	}

	if len(n.tapDepths) == 0 {
		return nil, fmt.Errorf("at least one tap depth is required")
	}
	slices.Sort(n.tapDepths)
	n.tapDepths = slices.Compact(n.tapDepths)

	kinds := expandConfig()
	deepest := n.tapDepths[len(n.tapDepths)-1]
	if n.tapDepths[0] < 0 || deepest >= len(kinds) {
		return nil, fmt.Errorf("tap depths %v out of range [0,%d]", n.tapDepths, len(kinds)-1)
	}

	needed := ConvsThrough(deepest)
	if n.weights == nil {
		n.weights = BuiltinWeights(needed)
	}
	if len(n.weights.Convs) < needed {
		return nil, fmt.Errorf("depth %d needs %d convolutions, weights provide %d",
			deepest, needed, len(n.weights.Convs))
	}

	shapes := convShapes()
	conv := 0
	for _, k := range kinds[:deepest+1] {
		l := layer{kind: k}
		if k == kindConv {
			w := n.weights.Convs[conv]
			if w.In != shapes[conv][0] || w.Out != shapes[conv][1] {
				return nil, fmt.Errorf("conv %d: weights are %d->%d, network expects %d->%d",
					conv, w.In, w.Out, shapes[conv][0], shapes[conv][1])
			}
			c, err := newConv2D(w)
			if err != nil {
				return nil, fmt.Errorf("conv %d: %w", conv, err)
			}
			l.conv = c
			conv++
		}
		n.layers = append(n.layers, l)
	}

	return n, nil
}

// Workers returns the convolution band limit
func (n *Network) Workers() int {
	return n.workers
}

// TapDepths returns the sorted layer indices Extract captures
func (n *Network) TapDepths() []int {
	return slices.Clone(n.tapDepths)
}

// Extract runs t through the stack and returns the activations at each tap
// depth in ascending order. t must have shape (1, 3, H, W).
func (n *Network) Extract(t *models.Tensor) ([]FeatureMap, error) {
	if t.Channels != InputChannels {
		return nil, fmt.Errorf("input tensor %v: want %d channels", t, InputChannels)
	}
	if t.Height == 0 || t.Width == 0 {
		return nil, fmt.Errorf("input tensor %v is empty", t)
	}

	maps := make([]FeatureMap, 0, len(n.tapDepths))
	next := 0
	cur := t
	for i, l := range n.layers {
		start := time.Now()
		out, err := l.forward(cur, n.workers)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%v): %w", i, l.kind, err)
		}
		n.logger.Debug().
			Int("layer", i).
			Stringer("kind", l.kind).
			Stringer("shape", out).
			Dur("elapsed", time.Since(start)).
			Msg("Layer forward")

		if next < len(n.tapDepths) && n.tapDepths[next] == i {
			// Layers always allocate their output, so cur is safe to hand out
			maps = append(maps, FeatureMap{Depth: i, Tensor: out})
			next++
		}
		cur = out
	}
	return maps, nil
}

// Saliency sums a feature map over its channels into a (H', W') plane
func Saliency(fm FeatureMap) models.Plane {
	t := fm.Tensor
	p := models.NewPlane(t.Width, t.Height)
	for c := 0; c < t.Channels; c++ {
		floats.Add(p.Data, t.Channel(c))
	}
	return p
}

var (
	sharedOnce    sync.Once
	sharedNetwork *Network
	sharedErr     error
)

// Shared returns a process-wide network with default tap depths and the
// built-in filter bank, constructed on first use
func Shared() (*Network, error) {
	sharedOnce.Do(func() {
		sharedNetwork, sharedErr = New()
	})
	return sharedNetwork, sharedErr
}

// Package fusion blends co-registered images into one composite by weighting
// every pixel with the softmax of its convolutional saliency.
package fusion

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"medfuse/internal/models"
	"medfuse/pkg/colorspace"
	"medfuse/pkg/features"
	"medfuse/pkg/interpolation"
)

// Stage names passed to a Recorder
const (
	StageLuminance = "01_luminance"
	StageSaliency  = "02_saliency"
	StageWeights   = "03_weights"
	StageFused     = "04_fused"
)

// Recorder receives intermediary planes while an image set is fused
type Recorder interface {
	Record(stage, name string, p models.Plane) error
}

// Result carries the fused image together with the planes it was built from
type Result struct {
	Image *models.Image

	// Luminance is the fused luminance in [0,1] before reconstruction
	Luminance models.Plane

	// Depths are the tap depths used, ascending
	Depths []int

	// Weights holds, per tap depth, one weight map per input image
	Weights map[int][]models.Plane
}

// Engine fuses image sets with a shared feature network
type Engine struct {
	net      *features.Network
	method   interpolation.Method
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithInterpolation sets how saliency maps are brought back to image size
func WithInterpolation(m interpolation.Method) Option {
	return func(e *Engine) {
		e.method = m
	}
}

// WithRecorder enables intermediary output
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine returns an engine using net. A nil net selects the shared
// network with default tap depths.
func NewEngine(net *features.Network, opts ...Option) (*Engine, error) {
	if net == nil {
		shared, err := features.Shared()
		if err != nil {
			return nil, fmt.Errorf("failed to build feature network: %w", err)
		}
		net = shared
	}

	e := &Engine{
		net:    net,
		method: interpolation.Nearest,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Fuse blends images, which must share their dimensions and have one or
// three channels, into a single 8-bit image
func (e *Engine) Fuse(images []*models.Image) (*models.Image, error) {
	res, err := e.FuseDetailed(images)
	if err != nil {
		return nil, err
	}
	return res.Image, nil
}

// input is one image split into the representation the engine works on
type input struct {
	luminance models.Plane
	chroma    *colorspace.Chroma
	tensor    *models.Tensor
}

// FuseDetailed is Fuse returning the intermediate weight maps as well
func (e *Engine) FuseDetailed(images []*models.Image) (*Result, error) {
	start := time.Now()
	if err := validate(images); err != nil {
		return nil, err
	}

	width, height := images[0].Width, images[0].Height
	e.logger.Info().
		Int("images", len(images)).
		Int("width", width).
		Int("height", height).
		Ints("depths", e.net.TapDepths()).
		Msg("Fusing images")

	// Step 1: separate luminance from chrominance
	inputs := make([]input, len(images))
	for i, img := range images {
		in, err := split(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		inputs[i] = in
		e.record(StageLuminance, fmt.Sprintf("image%d", i), in.luminance)
	}

	// Step 2: feature maps for every input
	featureMaps := make([][]features.FeatureMap, len(inputs))
	for i, in := range inputs {
		maps, err := e.net.Extract(in.tensor)
		if err != nil {
			return nil, fmt.Errorf("extracting features of image %d: %w", i, err)
		}
		featureMaps[i] = maps
	}

	// Step 3: one fusion per tap depth
	depths := e.net.TapDepths()
	res := &Result{
		Depths:  depths,
		Weights: make(map[int][]models.Plane, len(depths)),
	}
	var fused models.Plane
	for d, depth := range depths {
		saliency := make([]models.Plane, len(inputs))
		for i := range inputs {
			// Weights are computed at image size already, so resizing them again
			// after the softmax would be an identity.
			s, err := interpolation.Resize(features.Saliency(featureMaps[i][d]), width, height, e.method)
			if err != nil {
				return nil, fmt.Errorf("resizing saliency of image %d at depth %d: %w", i, depth, err)
			}
			saliency[i] = s
			e.record(StageSaliency, fmt.Sprintf("image%d_depth%d", i, depth), s)
		}

		weights, err := Softmax(saliency)
		if err != nil {
			return nil, fmt.Errorf("depth %d: %w", depth, err)
		}
		for i, w := range weights {
			e.record(StageWeights, fmt.Sprintf("image%d_depth%d", i, depth), w)
		}
		res.Weights[depth] = weights

		lum := blend(inputs, weights)
		e.logger.Debug().
			Int("depth", depth).
			Float64("min", floats.Min(lum.Data)).
			Float64("max", floats.Max(lum.Data)).
			Msg("Depth fused")

		// Step 4: combine depths by element-wise maximum
		if d == 0 {
			fused = lum
		} else {
			maxInto(fused, lum)
		}
	}
	res.Luminance = fused
	e.record(StageFused, "luminance", fused)

	// Step 5: reconstruct color
	chromas := make([]*colorspace.Chroma, len(inputs))
	for i, in := range inputs {
		chromas[i] = in.chroma
	}
	out, err := Reconstruct(fused, chromas)
	if err != nil {
		return nil, err
	}
	res.Image = out

	e.logger.Info().
		Stringer("output", out).
		Dur("elapsed", time.Since(start)).
		Msg("Fusion complete")
	return res, nil
}

// validate checks the image set before any work is done
func validate(images []*models.Image) error {
	if len(images) == 0 {
		return ErrNoImages
	}
	for i, img := range images {
		if img == nil {
			return fmt.Errorf("image %d is nil", i)
		}
		if img.Channels != 1 && img.Channels != 3 {
			return &colorspace.ChannelError{Index: i, Channels: img.Channels}
		}
		if img.Width <= 0 || img.Height <= 0 {
			return fmt.Errorf("image %d is empty", i)
		}
		if want := img.Width * img.Height * img.Channels; len(img.Pix) != want {
			return fmt.Errorf("image %d: pixel buffer holds %d samples, want %d", i, len(img.Pix), want)
		}
		if i > 0 && img.Size() != images[0].Size() {
			return &DimensionMismatchError{Index: i, Want: images[0].Size(), Got: img.Size()}
		}
	}
	return nil
}

func split(img *models.Image) (input, error) {
	if colorspace.IsGray(img) {
		lum := colorspace.NormalizeGray(img)
		return input{
			luminance: lum,
			tensor:    models.ReplicatePlane(lum, features.InputChannels),
		}, nil
	}

	lum, chroma, err := colorspace.ToLuminanceChrominance(img)
	if err != nil {
		return input{}, err
	}
	return input{
		luminance: lum,
		chroma:    &chroma,
		tensor:    models.ReplicatePlane(lum, features.InputChannels),
	}, nil
}

// Softmax turns N saliency planes into N weight planes that sum to one at
// every pixel. It is evaluated as exp(s_i - logsumexp(s)), which stays finite
// for arbitrarily large saliency.
func Softmax(saliency []models.Plane) ([]models.Plane, error) {
	if len(saliency) == 0 {
		return nil, ErrNoImages
	}
	size := saliency[0].Size()
	for i, s := range saliency {
		if s.Size() != size {
			return nil, &DimensionMismatchError{Index: i, Want: size, Got: s.Size()}
		}
	}

	weights := make([]models.Plane, len(saliency))
	for i := range weights {
		weights[i] = models.NewPlane(size.X, size.Y)
	}

	column := make([]float64, len(saliency))
	for p := range saliency[0].Data {
		for i, s := range saliency {
			column[i] = s.Data[p]
		}
		lse := floats.LogSumExp(column)
		for i := range weights {
			weights[i].Data[p] = math.Exp(column[i] - lse)
		}
	}
	return weights, nil
}

// blend computes sum_i tensor_i * weight_i and returns channel 0
func blend(inputs []input, weights []models.Plane) models.Plane {
	t := inputs[0].tensor
	fused := models.NewTensor(t.Channels, t.Height, t.Width)
	scratch := make([]float64, t.Height*t.Width)
	for i, in := range inputs {
		for c := 0; c < fused.Channels; c++ {
			floats.MulTo(scratch, in.tensor.Channel(c), weights[i].Data)
			floats.Add(fused.Channel(c), scratch)
		}
	}

	lum := models.NewPlane(t.Width, t.Height)
	copy(lum.Data, fused.Channel(0))
	return lum
}

// maxInto stores max(dst, src) in dst
func maxInto(dst, src models.Plane) {
	for i, v := range src.Data {
		if v > dst.Data[i] {
			dst.Data[i] = v
		}
	}
}

func (e *Engine) record(stage, name string, p models.Plane) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(stage, name, p); err != nil {
		e.logger.Warn().Err(err).Str("stage", stage).Str("name", name).Msg("Failed to record intermediary result")
	}
}

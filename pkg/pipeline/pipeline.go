// Package pipeline runs a complete fusion job from files on disk: loading,
// optional landmark registration, saliency fusion, optional segmentation,
// quality metrics and output.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medfuse/internal/models"
	"medfuse/pkg/config"
	"medfuse/pkg/features"
	"medfuse/pkg/fusion"
	"medfuse/pkg/imageio"
	"medfuse/pkg/interpolation"
	"medfuse/pkg/metrics"
	"medfuse/pkg/procrustes"
	"medfuse/pkg/registration"
	"medfuse/pkg/segmentation"
	"medfuse/pkg/visualization"
)

// Params holds the inputs of one fusion job
type Params struct {
	// Inputs are the image files to fuse, in order. The last color image
	// provides the output chrominance.
	Inputs []string

	// OutputFile receives the fused image; the extension selects the format
	OutputFile string

	// FixedPoints and MovingPoints are landmark lists ("[[x,y],...]"). When
	// both are set the second input is registered onto the first before fusion.
	FixedPoints  string
	MovingPoints string

	// CompareFile, when set, receives a side-by-side PNG of inputs and output
	CompareFile string

	Config *config.Config
}

// Pipeline handles one fusion job.
//
// The process consists of several steps:
// 1. Loading the input images
// 2. Registering the second image onto the first from landmarks
// 3. Fusing the images by feature saliency
// 4. Segmenting the fused image
// 5. Calculating quality metrics
type Pipeline struct {
	params *Params
	logger zerolog.Logger

	images       []*models.Image
	alignment    *procrustes.Result
	result       *fusion.Result
	segmentation *segmentation.Result
	metrics      *metrics.Report
}

// NewPipeline creates a pipeline for params. A nil config selects the defaults.
func NewPipeline(params *Params, logger zerolog.Logger) *Pipeline {
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	return &Pipeline{
		params: params,
		logger: logger,
	}
}

// Process runs the complete fusion pipeline
func (p *Pipeline) Process() error {
	start := time.Now()
	cfg := p.params.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(p.params.Inputs) < 2 {
		return fmt.Errorf("at least two input images are required, got %d", len(p.params.Inputs))
	}

	if cfg.Output.SaveIntermediaryResults {
		if err := os.MkdirAll(cfg.Output.IntermediaryDir, 0755); err != nil {
			return fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	// Step 1: Load images
	if err := p.loadImages(); err != nil {
		return err
	}

	// Step 2: Register
	if p.params.FixedPoints != "" || p.params.MovingPoints != "" {
		if err := p.registerImages(); err != nil {
			return err
		}
	}

	// Step 3: Fuse
	if err := p.fuseImages(); err != nil {
		return err
	}
	if err := imageio.Save(p.params.OutputFile, p.result.Image, cfg.Output.JPEGQuality); err != nil {
		return fmt.Errorf("failed to save fused image: %w", err)
	}
	p.logger.Info().Str("file", p.params.OutputFile).Msg("Fused image saved")

	// Step 4: Segment
	if cfg.Segmentation.Enabled {
		if err := p.segmentImage(); err != nil {
			return err
		}
	}

	// Step 5: Metrics
	report, err := metrics.Evaluate(p.result.Image, p.images)
	if err != nil {
		return fmt.Errorf("failed to calculate metrics: %w", err)
	}
	p.metrics = report

	if p.params.CompareFile != "" {
		if err := p.saveComparison(); err != nil {
			return err
		}
	}

	p.logger.Info().Dur("elapsed", time.Since(start)).Msg("Pipeline complete")
	return nil
}

func (p *Pipeline) loadImages() error {
	p.images = make([]*models.Image, 0, len(p.params.Inputs))
	for _, path := range p.params.Inputs {
		img, err := imageio.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load input: %w", err)
		}
		p.logger.Info().Str("file", path).Stringer("image", img).Msg("Loaded input")
		p.images = append(p.images, img)
	}
	return nil
}

func (p *Pipeline) registerImages() error {
	if p.params.FixedPoints == "" || p.params.MovingPoints == "" {
		return fmt.Errorf("registration needs both fixed and moving landmarks")
	}

	fixedPts, err := registration.ParseLandmarks(p.params.FixedPoints)
	if err != nil {
		return fmt.Errorf("fixed landmarks: %w", err)
	}
	movingPts, err := registration.ParseLandmarks(p.params.MovingPoints)
	if err != nil {
		return fmt.Errorf("moving landmarks: %w", err)
	}

	reflection, err := procrustes.ParseReflection(p.params.Config.Registration.Reflection)
	if err != nil {
		return err
	}
	opts := procrustes.Options{
		Scaling:    p.params.Config.Registration.Scaling,
		Reflection: reflection,
	}

	res, err := registration.Register(p.images[0], p.images[1], fixedPts, movingPts, opts, p.logger)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	p.images[1] = res.Image
	p.alignment = res.Alignment

	if p.params.Config.Output.SaveIntermediaryResults {
		path := filepath.Join(p.params.Config.Output.IntermediaryDir, "00_registered", "001.png")
		if err := imageio.Save(path, res.Image, 0); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to save registered image")
		}
	}
	return nil
}

func (p *Pipeline) fuseImages() error {
	cfg := p.params.Config

	netOpts := []features.Option{
		features.WithTapDepths(cfg.Fusion.TapDepths...),
		features.WithWorkers(cfg.Fusion.NumWorkers),
		features.WithLogger(p.logger),
	}
	if cfg.Network.WeightsFile != "" {
		deepest := slices.Max(cfg.Fusion.TapDepths)
		weights, err := features.LoadWeightsFile(cfg.Network.WeightsFile, features.ConvsThrough(deepest))
		if err != nil {
			return err
		}
		netOpts = append(netOpts, features.WithWeights(weights))
	}
	net, err := features.New(netOpts...)
	if err != nil {
		return fmt.Errorf("failed to build feature network: %w", err)
	}

	method, err := interpolation.ParseMethod(cfg.Fusion.Interpolation)
	if err != nil {
		return err
	}
	engineOpts := []fusion.Option{
		fusion.WithInterpolation(method),
		fusion.WithLogger(p.logger),
	}
	if cfg.Output.SaveIntermediaryResults {
		recorder := visualization.NewRecorder(cfg.Output.IntermediaryDir, cfg.Output.JPEGQuality, cfg.Output.Annotate, p.logger)
		engineOpts = append(engineOpts, fusion.WithRecorder(recorder))
	}

	engine, err := fusion.NewEngine(net, engineOpts...)
	if err != nil {
		return err
	}
	res, err := engine.FuseDetailed(p.images)
	if err != nil {
		return fmt.Errorf("fusion failed: %w", err)
	}
	p.result = res
	return nil
}

func (p *Pipeline) segmentImage() error {
	res, err := segmentation.Segment(p.result.Image, p.logger)
	if err != nil {
		return fmt.Errorf("segmentation failed: %w", err)
	}
	p.segmentation = res

	path := SegmentedPath(p.params.OutputFile)
	if err := imageio.Save(path, res.Image, p.params.Config.Output.JPEGQuality); err != nil {
		return fmt.Errorf("failed to save segmented image: %w", err)
	}
	p.logger.Info().Str("file", path).Msg("Segmented image saved")
	return nil
}

func (p *Pipeline) saveComparison() error {
	images := append(slices.Clone(p.images), p.result.Image)
	titles := make([]string, 0, len(images))
	for _, path := range p.params.Inputs {
		titles = append(titles, filepath.Base(path))
	}
	titles = append(titles, "fused")

	if err := visualization.SaveComparison(p.params.CompareFile, images, titles); err != nil {
		return fmt.Errorf("failed to save comparison: %w", err)
	}
	return nil
}

// SegmentedPath derives the segmentation output name from the fused output,
// e.g. fused.jpg becomes fused_segmented.jpg
func SegmentedPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + "_segmented" + ext
}

// GetResult returns the fusion result, nil before Process succeeds
func (p *Pipeline) GetResult() *fusion.Result {
	return p.result
}

// GetAlignment returns the landmark fit, nil when no registration ran
func (p *Pipeline) GetAlignment() *procrustes.Result {
	return p.alignment
}

// GetSegmentation returns the segmentation, nil when disabled
func (p *Pipeline) GetSegmentation() *segmentation.Result {
	return p.segmentation
}

// GetMetrics returns the quality report
func (p *Pipeline) GetMetrics() *metrics.Report {
	return p.metrics
}

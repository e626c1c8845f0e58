// Package main is the boxsight command line: run object detection over a
// video locally and write annotated frames, or send the video to the hosted
// annotation service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/boxsight/boxsight/config"
	"github.com/boxsight/boxsight/detection"
	"github.com/boxsight/boxsight/engine"
	"github.com/boxsight/boxsight/overlay"
	"github.com/boxsight/boxsight/playback"
	"github.com/boxsight/boxsight/remote"
	"github.com/boxsight/boxsight/runner"
	"github.com/boxsight/boxsight/transform"
)

var app = &cli.App{
	Name:            "boxsight",
	Usage:           "overlay object detections on video",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "run",
			Usage:     "run detection locally over a video and write annotated frames",
			ArgsUsage: "<video file>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "config", Usage: "load run settings from a JSON `FILE`; flags override"},
				&cli.Float64Flag{Name: "fps", Value: 10, Usage: "sampling rate in frames per second"},
				&cli.Float64Flag{Name: "confidence", Value: 0.5, Usage: "minimum detection score"},
				&cli.Float64Flag{Name: "iou", Value: 0.45, Usage: "suppression overlap threshold"},
				&cli.IntFlag{Name: "input-size", Value: 640, Usage: "square model input size"},
				&cli.StringSliceFlag{Name: "label", Usage: "restrict output to the given class labels"},
				&cli.BoolFlag{Name: "letterbox", Usage: "preserve aspect ratio when fitting frames"},
				&cli.StringFlag{Name: "out", Value: "out", Usage: "directory for annotated frames"},
				&cli.BoolFlag{Name: "demo", Usage: "use a synthetic 10s clip instead of a video file"},
			},
			Action: RunAction,
		},
		{
			Name:      "annotate",
			Usage:     "annotate a video via the hosted service",
			ArgsUsage: "<video file>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "service", Required: true, Usage: "annotation service base `URL`"},
				&cli.Float64Flag{Name: "fps", Value: 10, Usage: "sampling rate in frames per second"},
				&cli.Float64Flag{Name: "confidence", Value: 0.5, Usage: "minimum detection score"},
				&cli.Float64Flag{Name: "iou", Value: 0.45, Usage: "suppression overlap threshold"},
				&cli.IntFlag{Name: "input-size", Value: 640, Usage: "square model input size"},
				&cli.StringSliceFlag{Name: "label", Usage: "restrict output to the given class labels"},
				&cli.StringFlag{Name: "out", Value: "out", Usage: "directory for the annotated video"},
			},
			Action: AnnotateAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) golog.Logger {
	if c.Bool("debug") {
		return golog.NewDebugLogger("boxsight")
	}
	return golog.NewLogger("boxsight")
}

// annotatedFrame is one processed tick queued for compositing and encoding.
type annotatedFrame struct {
	index      int
	frame      image.Image
	detections detection.Set
	mapper     *transform.Mapper
}

// RunAction runs detection locally in deterministic seek mode and writes each
// sampled frame with its overlay composited on top.
func RunAction(c *cli.Context) error {
	logger := newLogger(c)
	ctx := c.Context

	surface, err := openSurface(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := surface.Close(context.Background()); err != nil {
			logger.Warnw("cannot close playback surface", "error", err)
		}
	}()

	outDir := c.String("out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create output directory")
	}

	cfg, err := runConfig(c)
	if err != nil {
		return err
	}

	eng, degraded := engine.LoadOrDegrade(ctx, nil, cfg.InputSize, logger)
	if degraded {
		logger.Warn("no inference backend built in; detections are synthetic")
	}
	defer func() {
		if err := eng.Close(context.Background()); err != nil {
			logger.Warnw("cannot close engine", "error", err)
		}
	}()

	// frames are annotated and encoded off the run goroutine
	frames := make(chan annotatedFrame, 8)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return writeFrames(groupCtx, outDir, frames)
	})

	r := runner.New(eng, surface, logger)
	index := 0
	run, err := r.Start(ctx, cfg, func(frame *playback.Frame, set detection.Set, mapper *transform.Mapper) {
		select {
		case frames <- annotatedFrame{index: index, frame: frame.Image, detections: set, mapper: mapper}:
		case <-groupCtx.Done():
		}
		index++
	})
	if err != nil {
		close(frames)
		_ = group.Wait()
		return err
	}

	<-run.Done()
	close(frames)
	if err := group.Wait(); err != nil {
		return err
	}
	if err := run.Err(); err != nil {
		return err
	}
	logger.Infow("run finished",
		"state", run.State().String(), "frames", run.Processed(), "progress", run.Progress())
	return nil
}

// runConfig builds the run config: file settings first (json-keyed attribute
// map), then explicit flags on top. The local run always schedules in seek
// mode so frame output is deterministic.
func runConfig(c *cli.Context) (runner.Config, error) {
	cfg := runner.Config{
		FPS:          c.Float64("fps"),
		Confidence:   c.Float64("confidence"),
		IOUThreshold: c.Float64("iou"),
		Labels:       c.StringSlice("label"),
		InputSize:    c.Int("input-size"),
		Letterbox:    c.Bool("letterbox"),
	}
	if path := c.String("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return runner.Config{}, errors.Wrap(err, "cannot read config file")
		}
		var attrs config.AttributeMap
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return runner.Config{}, errors.Wrapf(err, "cannot parse config file %q", path)
		}
		fileCfg := cfg
		if _, err := config.TransformAttributeMapToStruct(&fileCfg, attrs); err != nil {
			return runner.Config{}, errors.Wrapf(err, "bad config file %q", path)
		}
		if c.IsSet("fps") {
			fileCfg.FPS = cfg.FPS
		}
		if c.IsSet("confidence") {
			fileCfg.Confidence = cfg.Confidence
		}
		if c.IsSet("iou") {
			fileCfg.IOUThreshold = cfg.IOUThreshold
		}
		if c.IsSet("label") {
			fileCfg.Labels = cfg.Labels
		}
		if c.IsSet("input-size") {
			fileCfg.InputSize = cfg.InputSize
		}
		if c.IsSet("letterbox") {
			fileCfg.Letterbox = cfg.Letterbox
		}
		cfg = fileCfg
	}
	cfg.Strategy = runner.StrategySeek
	return cfg, nil
}

func openSurface(c *cli.Context, logger golog.Logger) (playback.Surface, error) {
	if c.Bool("demo") {
		return playback.NewScripted(10, 1280, 720), nil
	}
	if c.NArg() != 1 {
		return nil, errors.New("expected exactly one video file argument")
	}
	return playback.OpenVideoFile(c.Context, c.Args().First(), logger)
}

// writeFrames renders each frame's overlay and saves the composite as a PNG.
func writeFrames(ctx context.Context, outDir string, frames <-chan annotatedFrame) error {
	var renderer *overlay.Renderer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case af, ok := <-frames:
			if !ok {
				return nil
			}
			bounds := af.frame.Bounds()
			af.mapper.SetDisplaySize(bounds.Dx(), bounds.Dy())
			if renderer == nil {
				renderer = overlay.NewRenderer(bounds.Dx(), bounds.Dy())
			} else if w, h := renderer.Size(); w != bounds.Dx() || h != bounds.Dy() {
				renderer.Resize(bounds.Dx(), bounds.Dy())
			}
			rendered := renderer.Render(af.detections.Detections, af.mapper)

			composite := imaging.Overlay(af.frame, rendered, image.Point{}, 1.0)
			name := filepath.Join(outDir, fmt.Sprintf("frame_%05d.png", af.index))
			if err := imaging.Save(composite, name); err != nil {
				return errors.Wrapf(err, "cannot save %s", name)
			}
		}
	}
}

// AnnotateAction sends the video to the hosted annotation service.
func AnnotateAction(c *cli.Context) error {
	logger := newLogger(c)
	if c.NArg() != 1 {
		return errors.New("expected exactly one video file argument")
	}
	outDir := c.String("out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create output directory")
	}

	client := remote.NewClient(c.String("service"), logger)
	result, err := client.Annotate(c.Context, remote.Request{
		VideoPath:    c.Args().First(),
		FPS:          c.Float64("fps"),
		Confidence:   c.Float64("confidence"),
		IOUThreshold: c.Float64("iou"),
		InputSize:    c.Int("input-size"),
		Labels:       c.StringSlice("label"),
	}, outDir)
	if err != nil {
		return err
	}

	switch {
	case result.VideoPath != "":
		fmt.Fprintln(c.App.Writer, result.VideoPath)
	default:
		fmt.Fprintln(c.App.Writer, result.VideoURL)
		if result.DataURL != "" {
			fmt.Fprintln(c.App.Writer, result.DataURL)
		}
	}
	return nil
}

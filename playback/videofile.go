package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	goutils "go.viam.com/utils"
)

// VideoFile is a Surface backed by a local media file. Duration and frame
// geometry come from an ffprobe pass at open; frames are extracted on demand
// by seeking ffmpeg to the requested timestamp, which makes Seek a natural
// acknowledged operation. While playing, display frame events are synthesized
// at the container frame rate.
type VideoFile struct {
	mu     sync.Mutex
	hub    eventHub
	logger golog.Logger

	path     string
	duration float64
	width    int
	height   int
	fps      float64

	current float64
	paused  bool
	ended   bool

	cached *Frame

	cancelCtx               context.Context
	cancelFunc              func()
	playGeneration          int
	activeBackgroundWorkers sync.WaitGroup
}

// OpenVideoFile probes the file and returns a paused surface positioned at
// time zero.
func OpenVideoFile(ctx context.Context, path string, logger golog.Logger) (*VideoFile, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot probe %q", path)
	}
	info, err := parseProbe(out)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read stream info for %q", path)
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	v := &VideoFile{
		logger:     logger,
		path:       path,
		duration:   info.duration,
		width:      info.width,
		height:     info.height,
		fps:        info.fps,
		paused:     true,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	v.hub.publish(Event{Kind: EventDataReady})
	return v, nil
}

type probeInfo struct {
	duration float64
	width    int
	height   int
	fps      float64
}

// parseProbe pulls duration and video stream geometry out of ffprobe JSON.
func parseProbe(raw string) (*probeInfo, error) {
	var doc struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	info := &probeInfo{fps: 30}
	for _, s := range doc.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.width, info.height = s.Width, s.Height
		if fps, err := parseFrameRate(s.AvgFrameRate); err == nil && fps > 0 {
			info.fps = fps
		}
		break
	}
	if info.width == 0 || info.height == 0 {
		return nil, errors.New("no video stream found")
	}
	dur, err := strconv.ParseFloat(doc.Format.Duration, 64)
	if err != nil {
		return nil, errors.Wrap(err, "no usable duration")
	}
	info.duration = dur
	return info, nil
}

// parseFrameRate parses ffprobe's fractional rate notation, e.g. "30000/1001".
func parseFrameRate(s string) (float64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 1 {
		return strconv.ParseFloat(parts[0], 64)
	}
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0, errors.Errorf("bad frame rate %q", s)
	}
	return num / den, nil
}

// State implements Surface.
func (v *VideoFile) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{CurrentTime: v.current, Duration: v.duration, Paused: v.paused, Ended: v.ended}
}

// Frame returns the frame at the current position, extracting it if the cache
// is stale.
func (v *VideoFile) Frame(ctx context.Context) (*Frame, error) {
	v.mu.Lock()
	t := v.current
	cached := v.cached
	v.mu.Unlock()
	if cached != nil && math.Abs(cached.Timestamp-t) < 0.5/v.fps {
		return cached, nil
	}
	frame, err := v.extractFrame(ctx, t)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cached = frame
	v.mu.Unlock()
	return frame, nil
}

// extractFrame decodes exactly one rgb24 frame at t seconds.
func (v *VideoFile) extractFrame(ctx context.Context, t float64) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(nil)
	err := ffmpeg.Input(v.path, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.6f", t)}).
		Output("pipe:", ffmpeg.KwArgs{
			"vframes": 1,
			"format":  "rawvideo",
			"pix_fmt": "rgb24",
		}).
		WithOutput(buf).Run()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot extract frame at %.3fs", t)
	}
	want := v.width * v.height * 3
	if buf.Len() < want {
		return nil, errors.Errorf("short frame read at %.3fs: got %d bytes, want %d", t, buf.Len(), want)
	}
	raw := buf.Bytes()
	img := image.NewNRGBA(image.Rect(0, 0, v.width, v.height))
	for i := 0; i < v.width*v.height; i++ {
		img.Pix[4*i] = raw[3*i]
		img.Pix[4*i+1] = raw[3*i+1]
		img.Pix[4*i+2] = raw[3*i+2]
		img.Pix[4*i+3] = 255
	}
	return &Frame{Image: img, Timestamp: t, Width: v.width, Height: v.height}, nil
}

// Play starts the display frame loop at the container frame rate.
func (v *VideoFile) Play(ctx context.Context) error {
	v.mu.Lock()
	if !v.paused || v.ended {
		v.mu.Unlock()
		return nil
	}
	v.paused = false
	v.playGeneration++
	generation := v.playGeneration
	at := v.current
	v.mu.Unlock()
	v.hub.publish(Event{Kind: EventPlay, At: at})

	interval := time.Duration(float64(time.Second) / v.fps)
	v.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			if !goutils.SelectContextOrWait(v.cancelCtx, interval) {
				return
			}
			v.mu.Lock()
			if v.paused || v.ended || v.playGeneration != generation {
				v.mu.Unlock()
				return
			}
			v.current += 1.0 / v.fps
			ended := false
			if v.current >= v.duration {
				v.current = v.duration
				v.ended = true
				ended = true
			}
			at := v.current
			v.mu.Unlock()
			if ended {
				v.hub.publish(Event{Kind: EventEnded, At: at})
				return
			}
			v.hub.publish(Event{Kind: EventDisplayFrame, At: at})
		}
	}, v.activeBackgroundWorkers.Done)
	return nil
}

// Pause implements Surface.
func (v *VideoFile) Pause(ctx context.Context) error {
	v.mu.Lock()
	v.paused = true
	at := v.current
	v.mu.Unlock()
	v.hub.publish(Event{Kind: EventPause, At: at})
	return nil
}

// Seek extracts the frame at t before returning, so a successful return is
// the acknowledgment that the surface is positioned there.
func (v *VideoFile) Seek(ctx context.Context, t float64) error {
	if t < 0 {
		t = 0
	}
	if t > v.duration {
		t = v.duration
	}
	frame, err := v.extractFrame(ctx, t)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.current = t
	v.cached = frame
	v.ended = t >= v.duration
	ended := v.ended
	v.mu.Unlock()
	v.hub.publish(Event{Kind: EventSeeked, At: t})
	if ended {
		v.hub.publish(Event{Kind: EventEnded, At: t})
	}
	return nil
}

// Subscribe implements Surface.
func (v *VideoFile) Subscribe() (<-chan Event, func()) {
	return v.hub.subscribe()
}

// Close stops any play loop and releases the surface.
func (v *VideoFile) Close(ctx context.Context) error {
	v.cancelFunc()
	v.activeBackgroundWorkers.Wait()
	return nil
}

// Package remote is the client for the hosted annotation service: it uploads
// a video plus run parameters and retrieves the annotated output, either as a
// binary video stream or as URLs to the rendered artifacts.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Request carries the video and the same run parameters a local run takes.
type Request struct {
	VideoPath    string   `json:"video_path"`
	FPS          float64  `json:"fps"`
	Confidence   float64  `json:"confidence"`
	IOUThreshold float64  `json:"iou_threshold"`
	InputSize    int      `json:"input_size"`
	Labels       []string `json:"labels,omitempty"`
}

// Validate ensures all parts of the request are valid.
func (r *Request) Validate() error {
	if r.VideoPath == "" {
		return errors.New("video path is required")
	}
	if r.FPS <= 0 {
		return errors.Errorf("fps must be positive, got %f", r.FPS)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.Errorf("confidence must be in [0,1], got %f", r.Confidence)
	}
	if r.InputSize <= 0 {
		return errors.Errorf("input size must be positive, got %d", r.InputSize)
	}
	return nil
}

// Result is the annotation outcome. Exactly one of VideoPath (binary response
// saved locally) or the URL pair (JSON response) is populated.
type Result struct {
	VideoPath string `json:"video_path,omitempty"`
	VideoURL  string `json:"result_video_url,omitempty"`
	DataURL   string `json:"result_data_url,omitempty"`
}

// ServiceError is a non-success response from the annotation service. It is
// surfaced to the user as-is; the run is aborted.
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("annotation service returned %d: %s", e.StatusCode, e.Body)
}

const (
	annotatePath   = "/annotate"
	defaultTimeout = 10 * time.Minute
	maxErrorBody   = 1024
)

// Client talks to one annotation service endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     golog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, logger golog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Annotate uploads the video and parameters and waits for the annotated
// output. Binary video responses are streamed into outDir; JSON responses
// return the artifact URLs instead.
func (c *Client) Annotate(ctx context.Context, req Request, outDir string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid annotation request")
	}
	video, err := os.Open(req.VideoPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open video")
	}
	defer video.Close()

	// the multipart body is piped so the video is never buffered in memory
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, req, video))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+annotatePath, pr)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	c.logger.Infow("uploading video for annotation",
		"video", req.VideoPath, "fps", req.FPS, "input_size", req.InputSize)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "annotation request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ServiceError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "video/"):
		return c.saveVideo(resp.Body, req.VideoPath, outDir)
	case strings.HasPrefix(contentType, "application/json"):
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, errors.Wrap(err, "cannot decode annotation response")
		}
		return &result, nil
	default:
		return nil, errors.Errorf("unexpected annotation response content type %q", contentType)
	}
}

func writeForm(form *multipart.Writer, req Request, video io.Reader) error {
	part, err := form.CreateFormFile("video", filepath.Base(req.VideoPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, video); err != nil {
		return err
	}
	fields := map[string]string{
		"fps":           strconv.FormatFloat(req.FPS, 'f', -1, 64),
		"confidence":    strconv.FormatFloat(req.Confidence, 'f', -1, 64),
		"iou_threshold": strconv.FormatFloat(req.IOUThreshold, 'f', -1, 64),
		"input_size":    strconv.Itoa(req.InputSize),
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return err
		}
	}
	for _, label := range req.Labels {
		if err := form.WriteField("labels", label); err != nil {
			return err
		}
	}
	return form.Close()
}

func (c *Client) saveVideo(body io.Reader, videoPath, outDir string) (*Result, error) {
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	outPath := filepath.Join(outDir, base+"_annotated.mp4")
	out, err := os.Create(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create output video")
	}
	defer out.Close()
	n, err := io.Copy(out, body)
	if err != nil {
		return nil, errors.Wrap(err, "cannot write output video")
	}
	c.logger.Infow("saved annotated video", "path", outPath, "bytes", n)
	return &Result{VideoPath: outPath}, nil
}

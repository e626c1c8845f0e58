package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func writeTestVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	test.That(t, os.WriteFile(path, []byte("not really mpeg"), 0o600), test.ShouldBeNil)
	return path
}

func testRequest(videoPath string) Request {
	return Request{
		VideoPath:    videoPath,
		FPS:          10,
		Confidence:   0.5,
		IOUThreshold: 0.45,
		InputSize:    640,
		Labels:       []string{"person", "car"},
	}
}

func TestAnnotateUploadsMultipartForm(t *testing.T) {
	logger := golog.NewTestLogger(t)
	videoPath := writeTestVideo(t)

	var gotFields map[string][]string
	var gotVideo []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		test.That(t, r.Method, test.ShouldEqual, http.MethodPost)
		test.That(t, r.URL.Path, test.ShouldEqual, "/annotate")
		test.That(t, r.ParseMultipartForm(1<<20), test.ShouldBeNil)
		gotFields = r.MultipartForm.Value

		file, header, err := r.FormFile("video")
		test.That(t, err, test.ShouldBeNil)
		defer file.Close()
		test.That(t, header.Filename, test.ShouldEqual, "clip.mp4")
		buf, err := io.ReadAll(file)
		test.That(t, err, test.ShouldBeNil)
		gotVideo = buf

		w.Header().Set("Content-Type", "application/json")
		test.That(t, json.NewEncoder(w).Encode(Result{
			VideoURL: "https://cdn.example.com/out.mp4",
			DataURL:  "https://cdn.example.com/out.json",
		}), test.ShouldBeNil)
	}))
	defer server.Close()

	client := NewClient(server.URL, logger)
	result, err := client.Annotate(context.Background(), testRequest(videoPath), t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.VideoURL, test.ShouldEqual, "https://cdn.example.com/out.mp4")
	test.That(t, result.DataURL, test.ShouldEqual, "https://cdn.example.com/out.json")
	test.That(t, result.VideoPath, test.ShouldEqual, "")

	test.That(t, string(gotVideo), test.ShouldEqual, "not really mpeg")
	test.That(t, gotFields["fps"], test.ShouldResemble, []string{"10"})
	test.That(t, gotFields["confidence"], test.ShouldResemble, []string{"0.5"})
	test.That(t, gotFields["iou_threshold"], test.ShouldResemble, []string{"0.45"})
	test.That(t, gotFields["input_size"], test.ShouldResemble, []string{"640"})
	test.That(t, gotFields["labels"], test.ShouldResemble, []string{"person", "car"})
}

func TestAnnotateSavesBinaryVideo(t *testing.T) {
	logger := golog.NewTestLogger(t)
	videoPath := writeTestVideo(t)
	annotated := []byte("annotated bytes")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, err := w.Write(annotated)
		test.That(t, err, test.ShouldBeNil)
	}))
	defer server.Close()

	outDir := t.TempDir()
	client := NewClient(server.URL, logger)
	result, err := client.Annotate(context.Background(), testRequest(videoPath), outDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.VideoPath, test.ShouldEqual, filepath.Join(outDir, "clip_annotated.mp4"))

	saved, err := os.ReadFile(result.VideoPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, saved, test.ShouldResemble, annotated)
}

func TestAnnotateServiceError(t *testing.T) {
	logger := golog.NewTestLogger(t)
	videoPath := writeTestVideo(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model catalog unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, logger)
	_, err := client.Annotate(context.Background(), testRequest(videoPath), t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)

	var svcErr *ServiceError
	test.That(t, errors.As(err, &svcErr), test.ShouldBeTrue)
	test.That(t, svcErr.StatusCode, test.ShouldEqual, http.StatusServiceUnavailable)
	test.That(t, svcErr.Body, test.ShouldEqual, "model catalog unavailable")
}

func TestAnnotateRejectsBadRequests(t *testing.T) {
	logger := golog.NewTestLogger(t)
	client := NewClient("http://localhost:1", logger)

	_, err := client.Annotate(context.Background(), Request{}, t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "video path")

	req := testRequest(filepath.Join(t.TempDir(), "missing.mp4"))
	_, err = client.Annotate(context.Background(), req, t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot open video")
}

func TestAnnotateUnexpectedContentType(t *testing.T) {
	logger := golog.NewTestLogger(t)
	videoPath := writeTestVideo(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(server.URL, logger)
	_, err := client.Annotate(context.Background(), testRequest(videoPath), t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "content type")
}

// Package decode turns raw model output tensors into candidate detections in
// model input space. It supports engines that bake suppression into the model
// (corner rows) and raw anchor heads (center-size rows with per-class scores).
package decode

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/boxsight/boxsight/detection"
	"github.com/boxsight/boxsight/engine"
)

// Layout describes the row format of the primary output tensor.
type Layout string

const (
	// LayoutAuto infers the layout from the row width.
	LayoutAuto = Layout("auto")
	// LayoutCorners is [x1,y1,x2,y2,score,class]; suppression already applied
	// by the model.
	LayoutCorners = Layout("corners")
	// LayoutAnchors is [cx,cy,w,h,objectness,class0..classK].
	LayoutAnchors = Layout("anchors")
)

// Coordinates describes how box values are encoded.
type Coordinates string

const (
	// CoordinatesAuto prefers the model's declared encoding and falls back to
	// the magnitude heuristic.
	CoordinatesAuto = Coordinates("auto")
	// CoordinatesNormalized means box values are fractions of the input size.
	CoordinatesNormalized = Coordinates("normalized")
	// CoordinatesPixel means box values are already model input pixels.
	CoordinatesPixel = Coordinates("pixel")
)

// normalizedMaxCoordinate bounds the magnitude heuristic: when no encoding is
// declared, coordinates all at or below this value are taken as normalized.
// Anything above it on a 320+ pixel input square can only be pixel scale.
const normalizedMaxCoordinate = 2.0

// rows narrower than this cannot hold a box, a score, and a class
const minRowWidth = 6

// Config configures a Decoder.
type Config struct {
	// Confidence is the minimum score a candidate must reach.
	Confidence float64 `json:"confidence"`
	// Layout optionally pins the row layout; defaults to auto.
	Layout Layout `json:"layout,omitempty"`
	// Coordinates optionally pins the coordinate encoding; defaults to auto.
	Coordinates Coordinates `json:"coordinates,omitempty"`
	// InputSize is the square model input size used to scale normalized boxes.
	InputSize int `json:"input_size"`
	// Labels maps class indices to names; overrides model metadata labels.
	Labels []string `json:"labels,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if c.Confidence < 0 || c.Confidence > 1 {
		return errors.Errorf("confidence must be in [0,1], got %f", c.Confidence)
	}
	if c.InputSize <= 0 {
		return errors.Errorf("input size must be positive, got %d", c.InputSize)
	}
	switch c.Layout {
	case "", LayoutAuto, LayoutCorners, LayoutAnchors:
	default:
		return errors.Errorf("unknown layout %q", c.Layout)
	}
	switch c.Coordinates {
	case "", CoordinatesAuto, CoordinatesNormalized, CoordinatesPixel:
	default:
		return errors.Errorf("unknown coordinate encoding %q", c.Coordinates)
	}
	return nil
}

// Decoder decodes raw engine outputs into detections.
type Decoder struct {
	cfg Config
}

// New creates a decoder from the given config.
func New(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid decoder config")
	}
	if cfg.Layout == "" {
		cfg.Layout = LayoutAuto
	}
	if cfg.Coordinates == "" {
		cfg.Coordinates = CoordinatesAuto
	}
	return &Decoder{cfg: cfg}, nil
}

// Decode extracts detections from the raw output tensors. Returned boxes are
// in model input space and already filtered by the confidence threshold. An
// error means the tensor shape or layout was unusable; callers treat that as
// zero detections for the tick.
func (d *Decoder) Decode(outputs engine.Tensors, md engine.Metadata) ([]detection.Detection, error) {
	primary, name, err := primaryOutput(outputs)
	if err != nil {
		return nil, err
	}
	rows, width, err := tensorRows(primary)
	if err != nil {
		return nil, errors.Wrapf(err, "output tensor %q", name)
	}
	if width < minRowWidth {
		return nil, errors.Errorf("output tensor %q rows have %d values, need at least %d", name, width, minRowWidth)
	}

	layout := d.cfg.Layout
	if layout == LayoutAuto {
		// corner rows are exactly six wide; anything wider is an anchor head
		if width == minRowWidth {
			layout = LayoutCorners
		} else {
			layout = LayoutAnchors
		}
	}

	labels := d.cfg.Labels
	if labels == nil {
		labels = md.Labels()
	}
	scaleBy := 1.0
	if d.resolveCoordinates(name, md, rows) == CoordinatesNormalized {
		scaleBy = float64(d.cfg.InputSize)
	}

	switch layout {
	case LayoutCorners:
		return d.decodeCorners(rows, scaleBy, labels), nil
	default:
		return d.decodeAnchors(rows, scaleBy, labels), nil
	}
}

// decodeCorners filters already-suppressed [x1,y1,x2,y2,score,class] rows by
// confidence and well-formedness.
func (d *Decoder) decodeCorners(rows [][]float64, scaleBy float64, labels []string) []detection.Detection {
	out := make([]detection.Detection, 0, len(rows))
	for _, row := range rows {
		score := row[4]
		if math.IsNaN(score) || score < d.cfg.Confidence {
			continue
		}
		class := int(row[5])
		if class < 0 {
			continue
		}
		box := detection.NewBox(row[0]*scaleBy, row[1]*scaleBy, row[2]*scaleBy, row[3]*scaleBy)
		if !box.Valid() {
			continue
		}
		out = append(out, detection.NewDetection(box, score, class, classLabel(class, labels)))
	}
	return out
}

// decodeAnchors scores [cx,cy,w,h,objectness,class...] rows by the best class
// probability times objectness and converts center-size to corners.
func (d *Decoder) decodeAnchors(rows [][]float64, scaleBy float64, labels []string) []detection.Detection {
	out := make([]detection.Detection, 0, len(rows))
	for _, row := range rows {
		obj := row[4]
		best, class := 0.0, -1
		for i, p := range row[5:] {
			if p > best {
				best, class = p, i
			}
		}
		score := obj * best
		if math.IsNaN(score) || score < d.cfg.Confidence || class < 0 {
			continue
		}
		cx, cy := row[0]*scaleBy, row[1]*scaleBy
		w, h := row[2]*scaleBy, row[3]*scaleBy
		box := detection.NewBox(cx-w/2, cy-h/2, cx+w/2, cy+h/2)
		if !box.Valid() {
			continue
		}
		out = append(out, detection.NewDetection(box, score, class, classLabel(class, labels)))
	}
	return out
}

// resolveCoordinates picks the coordinate encoding: an explicit config pin
// wins, then the encoding the model metadata declares, then the magnitude
// heuristic over the observed box values.
func (d *Decoder) resolveCoordinates(name string, md engine.Metadata, rows [][]float64) Coordinates {
	if d.cfg.Coordinates != CoordinatesAuto {
		return d.cfg.Coordinates
	}
	for _, o := range md.Outputs {
		if o.Name != name || o.Extra == nil {
			continue
		}
		switch Coordinates(o.Extra.String("coordinates")) {
		case CoordinatesNormalized:
			return CoordinatesNormalized
		case CoordinatesPixel:
			return CoordinatesPixel
		}
	}
	maxCoord := 0.0
	for i, row := range rows {
		if i >= 32 { // a sample is plenty to find a pixel-scale value
			break
		}
		for _, v := range row[:4] {
			if a := math.Abs(v); a > maxCoord {
				maxCoord = a
			}
		}
	}
	if maxCoord <= normalizedMaxCoordinate {
		return CoordinatesNormalized
	}
	return CoordinatesPixel
}

// primaryOutput picks the detection tensor out of the named outputs: the only
// tensor if there is one, otherwise the first whose name suggests detections.
func primaryOutput(outputs engine.Tensors) (*tensor.Dense, string, error) {
	if len(outputs) == 0 {
		return nil, "", errors.New("engine returned no output tensors")
	}
	if len(outputs) == 1 {
		for name, t := range outputs {
			return t, name, nil
		}
	}
	for _, want := range []string{"detection", "output", "location"} {
		for name, t := range outputs {
			if strings.Contains(strings.ToLower(name), want) {
				return t, name, nil
			}
		}
	}
	return nil, "", errors.Errorf("cannot pick a detection tensor among outputs [%s]",
		strings.Join(tensorNames(outputs), ", "))
}

// tensorRows reshapes a [N,F] or [1,N,F] tensor into per-candidate rows.
func tensorRows(t *tensor.Dense) ([][]float64, int, error) {
	shape := t.Shape()
	var n, width int
	switch {
	case len(shape) == 3 && shape[0] == 1:
		n, width = shape[1], shape[2]
	case len(shape) == 2:
		n, width = shape[0], shape[1]
	default:
		return nil, 0, errors.Errorf("expected shape [N,F] or [1,N,F], got %v", shape)
	}
	flat, err := convertToFloat64Slice(t.Data())
	if err != nil {
		return nil, 0, err
	}
	if len(flat) != n*width {
		return nil, 0, errors.Errorf("tensor data has %d values, shape %v wants %d", len(flat), shape, n*width)
	}
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = flat[i*width : (i+1)*width]
	}
	return rows, width, nil
}

func classLabel(class int, labels []string) string {
	if class >= 0 && class < len(labels) {
		return labels[class]
	}
	if labels == nil {
		return ""
	}
	return strconv.Itoa(class)
}

func convertToFloat64Slice(data interface{}) ([]float64, error) {
	switch v := data.(type) {
	case []float64:
		return v, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("dont know how to convert %T into a []float64", data)
	}
}

func tensorNames(t engine.Tensors) []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}

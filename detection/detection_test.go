package detection

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestBox(t *testing.T) {
	b := NewBox(10, 20, 110, 70)
	test.That(t, b.Width(), test.ShouldEqual, 100)
	test.That(t, b.Height(), test.ShouldEqual, 50)
	test.That(t, b.Area(), test.ShouldEqual, 5000)
	test.That(t, b.Valid(), test.ShouldBeTrue)

	// degenerate and malformed boxes
	test.That(t, NewBox(10, 10, 10, 20).Area(), test.ShouldEqual, 0)
	test.That(t, NewBox(10, 10, 5, 20).Valid(), test.ShouldBeFalse)
	test.That(t, NewBox(0, 0, math.NaN(), 5).Valid(), test.ShouldBeFalse)
	test.That(t, NewBox(0, 0, math.Inf(1), 5).Valid(), test.ShouldBeFalse)
}

func TestIoU(t *testing.T) {
	a := NewBox(0, 0, 100, 100)
	// identity
	test.That(t, IoU(a, a), test.ShouldEqual, 1.0)
	// disjoint
	test.That(t, IoU(a, NewBox(200, 200, 300, 300)), test.ShouldEqual, 0)
	// touching edges do not overlap
	test.That(t, IoU(a, NewBox(100, 0, 200, 100)), test.ShouldEqual, 0)
	// half overlap: inter 5000, union 15000
	test.That(t, IoU(a, NewBox(50, 0, 150, 100)), test.ShouldAlmostEqual, 1.0/3.0, 1e-9)
	// degenerate boxes always have IoU 0, even with themselves
	z := NewBox(10, 10, 10, 10)
	test.That(t, IoU(z, z), test.ShouldEqual, 0)
	test.That(t, IoU(a, z), test.ShouldEqual, 0)
	// symmetry and range over a small grid
	boxes := []Box{a, NewBox(25, 25, 75, 75), NewBox(50, 50, 150, 150), z}
	for _, b1 := range boxes {
		for _, b2 := range boxes {
			v := IoU(b1, b2)
			test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, 0)
			test.That(t, v, test.ShouldBeLessThanOrEqualTo, 1)
			test.That(t, v, test.ShouldAlmostEqual, IoU(b2, b1), 1e-12)
		}
	}
}

func TestScoreFilter(t *testing.T) {
	in := []Detection{
		NewDetection(NewBox(0, 0, 10, 10), 0.9, 0, "cat"),
		NewDetection(NewBox(0, 0, 10, 10), 0.2, 0, "cat"),
		NewDetection(NewBox(0, 0, 10, 10), 0.25, 1, "dog"),
	}
	out := NewScoreFilter(0.25)(in)
	test.That(t, out, test.ShouldHaveLength, 2)
	test.That(t, out[0].Score(), test.ShouldEqual, 0.9)
	test.That(t, out[1].Label(), test.ShouldEqual, "dog")
}

func TestLabelFilter(t *testing.T) {
	in := []Detection{
		NewDetection(NewBox(0, 0, 10, 10), 0.9, 0, "cat"),
		NewDetection(NewBox(0, 0, 10, 10), 0.8, 1, "dog"),
		NewDetection(NewBox(0, 0, 10, 10), 0.7, 2, "bird"),
	}
	out := NewLabelFilter([]string{"dog", "bird"})(in)
	test.That(t, out, test.ShouldHaveLength, 2)
	test.That(t, out[0].Label(), test.ShouldEqual, "dog")
	// empty allowlist keeps everything
	test.That(t, NewLabelFilter(nil)(in), test.ShouldHaveLength, 3)
}

func TestNMSSameClass(t *testing.T) {
	nms := NewNMSFilter(0.45)
	in := []Detection{
		NewDetection(NewBox(0, 0, 100, 100), 0.8, 0, "cat"),
		NewDetection(NewBox(5, 5, 105, 105), 0.9, 0, "cat"),     // overlaps first heavily
		NewDetection(NewBox(300, 300, 400, 400), 0.5, 0, "cat"), // disjoint
	}
	out := nms(in)
	test.That(t, out, test.ShouldHaveLength, 2)
	// highest score survives
	test.That(t, out[0].Score(), test.ShouldEqual, 0.9)
	test.That(t, out[1].Score(), test.ShouldEqual, 0.5)
	// no two same-class survivors may overlap above threshold
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].Class() != out[j].Class() {
				continue
			}
			test.That(t, IoU(out[i].BoundingBox(), out[j].BoundingBox()),
				test.ShouldBeLessThanOrEqualTo, 0.45)
		}
	}
}

func TestNMSDifferentClassesNeverSuppress(t *testing.T) {
	nms := NewNMSFilter(0.45)
	in := []Detection{
		NewDetection(NewBox(0, 0, 100, 100), 0.9, 0, "cat"),
		NewDetection(NewBox(0, 0, 100, 100), 0.8, 1, "dog"), // identical box, other class
	}
	out := nms(in)
	test.That(t, out, test.ShouldHaveLength, 2)
}

func TestNMSIdempotent(t *testing.T) {
	nms := NewNMSFilter(0.3)
	in := []Detection{
		NewDetection(NewBox(0, 0, 100, 100), 0.8, 0, "cat"),
		NewDetection(NewBox(10, 10, 110, 110), 0.7, 0, "cat"),
		NewDetection(NewBox(20, 20, 120, 120), 0.9, 0, "cat"),
		NewDetection(NewBox(0, 0, 50, 50), 0.6, 1, "dog"),
		NewDetection(NewBox(5, 5, 55, 55), 0.65, 1, "dog"),
	}
	once := nms(in)
	twice := nms(once)
	test.That(t, twice, test.ShouldResemble, once)
}

func TestNMSStableForEqualScores(t *testing.T) {
	nms := NewNMSFilter(0.45)
	d1 := NewDetection(NewBox(0, 0, 10, 10), 0.5, 0, "cat")
	d2 := NewDetection(NewBox(200, 0, 210, 10), 0.5, 0, "cat")
	out := nms([]Detection{d1, d2})
	test.That(t, out, test.ShouldHaveLength, 2)
	test.That(t, out[0], test.ShouldEqual, d1)
	test.That(t, out[1], test.ShouldEqual, d2)
}

func TestSet(t *testing.T) {
	s := Set{}
	test.That(t, s.Empty(), test.ShouldBeTrue)
	s = Set{At: 1.5, Detections: []Detection{NewDetection(NewBox(0, 0, 1, 1), 0.9, 0, "")}}
	test.That(t, s.Empty(), test.ShouldBeFalse)
}

package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// Point3d is an ordered list of three 32-bit signed integers that implements common
// arithmetic on voxel coordinates and volume extents.
type Point3d [3]int32

// Value returns the point's value for the specified dimension without checking dim bounds.
func (p Point3d) Value(dim uint8) int32 {
	return p[dim]
}

// Add returns the addition of two points.
func (p Point3d) Add(p2 Point3d) Point3d {
	return Point3d{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3d) Sub(p2 Point3d) Point3d {
	return Point3d{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// Mult returns the per-axis product of two points.
func (p Point3d) Mult(p2 Point3d) Point3d {
	return Point3d{p[0] * p2[0], p[1] * p2[1], p[2] * p2[2]}
}

// Div returns the per-axis floor division of the receiver by the passed point.
// Unlike Go's integer division, negative values round toward negative infinity.
func (p Point3d) Div(p2 Point3d) Point3d {
	return Point3d{floorDiv(p[0], p2[0]), floorDiv(p[1], p2[1]), floorDiv(p[2], p2[2])}
}

// CeilDiv returns the per-axis division of the receiver by the passed point, rounding up.
func (p Point3d) CeilDiv(p2 Point3d) Point3d {
	return Point3d{-floorDiv(-p[0], p2[0]), -floorDiv(-p[1], p2[1]), -floorDiv(-p[2], p2[2])}
}

// Max returns a Point3d where each of its elements are the maximum of two points' elements.
func (p Point3d) Max(p2 Point3d) Point3d {
	out := p
	for i := range out {
		if p2[i] > out[i] {
			out[i] = p2[i]
		}
	}
	return out
}

// Min returns a Point3d where each of its elements are the minimum of two points' elements.
func (p Point3d) Min(p2 Point3d) Point3d {
	out := p
	for i := range out {
		if p2[i] < out[i] {
			out[i] = p2[i]
		}
	}
	return out
}

// Prod returns the product of the point elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// AllPositive returns true if every element is > 0.
func (p Point3d) AllPositive() bool {
	return p[0] > 0 && p[1] > 0 && p[2] > 0
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Vector3d is a 3d vector of 64-bit floats, used for voxel resolutions in nanometers.
type Vector3d [3]float64

// Scale returns the per-axis product of the vector and an integer point.
func (v Vector3d) Scale(p Point3d) Vector3d {
	return Vector3d{v[0] * float64(p[0]), v[1] * float64(p[1]), v[2] * float64(p[2])}
}

func (v Vector3d) String() string {
	return fmt.Sprintf("(%s,%s,%s)", formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
}

// Key returns the vector joined by underscores, e.g., "5000_5000_10000".
func (v Vector3d) Key() string {
	return formatFloat(v[0]) + "_" + formatFloat(v[1]) + "_" + formatFloat(v[2])
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Box is an axis-aligned region of voxel space with an inclusive Min and exclusive Max.
type Box struct {
	Min Point3d
	Max Point3d
}

// NewBox returns a Box with given offset and size.
func NewBox(offset, size Point3d) Box {
	return Box{Min: offset, Max: offset.Add(size)}
}

// Size returns the extent of the box along each axis.
func (b Box) Size() Point3d {
	return b.Max.Sub(b.Min)
}

// Empty returns true if the box has no volume.
func (b Box) Empty() bool {
	return b.Max[0] <= b.Min[0] || b.Max[1] <= b.Min[1] || b.Max[2] <= b.Min[2]
}

// Intersect returns the overlap of two boxes, which may be empty.
func (b Box) Intersect(b2 Box) Box {
	return Box{Min: b.Min.Max(b2.Min), Max: b.Max.Min(b2.Max)}
}

// Voxels returns the number of voxels in the box.
func (b Box) Voxels() int64 {
	if b.Empty() {
		return 0
	}
	return b.Size().Prod()
}

func (b Box) String() string {
	return fmt.Sprintf("%s-%s", b.Min, b.Max)
}

// Key returns a filename-safe box string in the "x0-x1_y0-y1_z0-z1" form used for chunk names.
func (b Box) Key() string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d", b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2])
}

// PointStr is a 3d coordinate in string format "x,y,z".
type PointStr string

// Point3d parses the string, requiring exactly three integers.
func (s PointStr) Point3d() (p Point3d, err error) {
	elems := strings.Split(strings.TrimSpace(string(s)), ",")
	if len(elems) != 3 {
		err = fmt.Errorf("expected 3 comma-separated integers, got %q", s)
		return
	}
	for i, elem := range elems {
		var v int64
		v, err = strconv.ParseInt(strings.TrimSpace(elem), 10, 32)
		if err != nil {
			err = fmt.Errorf("bad coordinate %q in %q: %v", elem, s, err)
			return
		}
		p[i] = int32(v)
	}
	return
}

// VectorStr is a 3d vector in string format "x,y,z" where each coordinate is a float.
type VectorStr string

func (s VectorStr) Vector3d() (v Vector3d, err error) {
	elems := strings.Split(strings.TrimSpace(string(s)), ",")
	if len(elems) != 3 {
		err = fmt.Errorf("expected 3 comma-separated numbers, got %q", s)
		return
	}
	for i, elem := range elems {
		if v[i], err = strconv.ParseFloat(strings.TrimSpace(elem), 64); err != nil {
			err = fmt.Errorf("bad value %q in %q: %v", elem, s, err)
			return
		}
	}
	return
}

/*
	Package schedule computes per-level downsampling factors for a multi-resolution
	volume pyramid.  Given an anisotropic chunk shape, DeriveSchedule greedily picks
	per-axis factors of 1 or 2 that drive the chunk toward isotropy, then halves all
	axes uniformly.  Named resolution profiles give explicit per-level chunk shapes
	and factors when a pipeline wants fixed overrides instead.

	All functions are pure and safe for concurrent use.
*/
package schedule

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/janelia-flyem/pyramid/pyramid"
)

const (
	// DefaultPadding is the number of (2,2,2) levels appended once isotropy is reached.
	DefaultPadding = 20

	// DefaultMaxIterations bounds the isotropy-seeking loop.  Each iteration halves at
	// least one extent, so 3 axes of 32-bit extents can never need more.
	DefaultMaxIterations = 96
)

var (
	// Identity is the factor triple of level 0.
	Identity = FactorTriple{1, 1, 1}

	// Isotropic is the factor triple that ends isotropy seeking.
	Isotropic = FactorTriple{2, 2, 2}

	// ErrNoConvergence is returned if isotropy seeking exceeds its iteration cap.
	ErrNoConvergence = errors.New("downsample schedule did not reach (2,2,2)")
)

// InvalidShapeError is returned for chunk shapes with non-positive or non-integer components.
type InvalidShapeError struct {
	Input  string
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid chunk shape %s: %s", e.Input, e.Reason)
}

// ChunkShape is the edge length in voxels of a storage chunk along each of three axes.
type ChunkShape [3]int32

// ParseChunkShape parses a shape of the form "x,y,z" and validates it.
func ParseChunkShape(s string) (ChunkShape, error) {
	p, err := pyramid.PointStr(s).Point3d()
	if err != nil {
		return ChunkShape{}, &InvalidShapeError{Input: fmt.Sprintf("%q", s), Reason: err.Error()}
	}
	shape := ChunkShape(p)
	if err := shape.Validate(); err != nil {
		return ChunkShape{}, err
	}
	return shape, nil
}

// Validate returns an *InvalidShapeError if any component is not strictly positive.
func (s ChunkShape) Validate() error {
	for axis, extent := range s {
		if extent <= 0 {
			return &InvalidShapeError{
				Input:  s.String(),
				Reason: fmt.Sprintf("axis %d has extent %d, must be > 0", axis, extent),
			}
		}
	}
	return nil
}

// Apply returns the shape after floor division by the given factors.  No clamping
// is done, so extents of 1 become 0 under a factor of 2.
func (s ChunkShape) Apply(f FactorTriple) ChunkShape {
	return ChunkShape{s[0] / f[0], s[1] / f[1], s[2] / f[2]}
}

// Anisotropy returns the ratio of the largest to the smallest extent, or +Inf if
// any extent is not positive.
func (s ChunkShape) Anisotropy() float64 {
	small, _, large := rankAxes(s)
	if s[small] <= 0 {
		return math.Inf(1)
	}
	return float64(s[large]) / float64(s[small])
}

// IsIsotropic returns true if all extents are positive and within a factor of two
// of one another.
func (s ChunkShape) IsIsotropic() bool {
	small, _, large := rankAxes(s)
	return s[small] > 0 && s[large] <= 2*s[small]
}

// Point3d returns the shape as a point for voxel arithmetic.
func (s ChunkShape) Point3d() pyramid.Point3d {
	return pyramid.Point3d(s)
}

func (s ChunkShape) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s[0], s[1], s[2])
}

// FactorTriple is the per-axis divisor applied when moving from one resolution
// level to the next coarser one.
type FactorTriple [3]int32

// Point3d returns the factors as a point for voxel arithmetic.
func (f FactorTriple) Point3d() pyramid.Point3d {
	return pyramid.Point3d(f)
}

func (f FactorTriple) String() string {
	return fmt.Sprintf("(%d,%d,%d)", f[0], f[1], f[2])
}

// FactorSchedule is the sequence of factor triples indexed by resolution level.
// Level 0 is always the identity (1,1,1).  A schedule is never modified after
// it is returned.
type FactorSchedule struct {
	levels []FactorTriple
}

// NewFactorSchedule returns a schedule with the identity level followed by the
// given per-level factors.
func NewFactorSchedule(steps ...FactorTriple) FactorSchedule {
	levels := make([]FactorTriple, 0, len(steps)+1)
	levels = append(levels, Identity)
	levels = append(levels, steps...)
	return FactorSchedule{levels: levels}
}

// Len returns the number of levels including level 0.
func (fs FactorSchedule) Len() int {
	return len(fs.levels)
}

// Level returns the factor used to reach level i from level i-1.  Level 0 and
// negative levels return the identity.  Levels past the end of a derived schedule
// return (2,2,2) since derived schedules are stationary once isotropic.
func (fs FactorSchedule) Level(i int) FactorTriple {
	if i <= 0 {
		return Identity
	}
	if i >= len(fs.levels) {
		return Isotropic
	}
	return fs.levels[i]
}

// Levels returns a copy of all factor triples including the identity level 0.
func (fs FactorSchedule) Levels() []FactorTriple {
	out := make([]FactorTriple, len(fs.levels))
	copy(out, fs.levels)
	return out
}

// Steps returns a copy of the factor triples after level 0, i.e., the factors
// actually applied when building levels 1, 2, ...
func (fs FactorSchedule) Steps() []FactorTriple {
	if len(fs.levels) < 2 {
		return nil
	}
	out := make([]FactorTriple, len(fs.levels)-1)
	copy(out, fs.levels[1:])
	return out
}

// SeekingLevels returns the number of levels after level 0 up to and including
// the first (2,2,2) level.
func (fs FactorSchedule) SeekingLevels() int {
	for i := 1; i < len(fs.levels); i++ {
		if fs.levels[i] == Isotropic {
			return i
		}
	}
	return len(fs.levels) - 1
}

// Options modify DeriveSchedule.
type Options struct {
	// Padding is the number of (2,2,2) levels appended after isotropy is reached.
	Padding int

	// MaxIterations caps the isotropy-seeking loop.  Values <= 0 use DefaultMaxIterations.
	MaxIterations int
}

// DefaultOptions returns the options used by DeriveSchedule.
func DefaultOptions() Options {
	return Options{Padding: DefaultPadding, MaxIterations: DefaultMaxIterations}
}

// DeriveSchedule computes the factor schedule for a starting chunk shape using the
// default padding of 20 (2,2,2) levels.
func DeriveSchedule(initial ChunkShape) (FactorSchedule, error) {
	return DeriveScheduleWithOptions(initial, DefaultOptions())
}

// DeriveScheduleWithOptions computes the factor schedule for a starting chunk shape.
//
// At each level the axes are ranked by extent into largest N, middle M, and smallest P.
// With X = round(N/M) and Y = round(N/P), rounding half to even:
//
//	X > 1:   only the largest axis is halved, (N,M,P) factors (2,1,1)
//	Y <= 1:  the chunk is isotropic, all axes halved (2,2,2)
//	else:    largest and middle axes halved (2,2,1)
//
// Seeking stops after the first (2,2,2) level and the schedule is padded with
// opts.Padding more (2,2,2) levels.
func DeriveScheduleWithOptions(initial ChunkShape, opts Options) (FactorSchedule, error) {
	if err := initial.Validate(); err != nil {
		return FactorSchedule{}, err
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	padding := opts.Padding
	if padding < 0 {
		padding = 0
	}

	levels := []FactorTriple{Identity}
	shape := initial
	for iter := 0; ; iter++ {
		if iter >= maxIter {
			return FactorSchedule{}, fmt.Errorf("%w: chunk %s after %d levels", ErrNoConvergence, initial, iter)
		}
		factors := nextFactors(shape)
		shape = shape.Apply(factors)
		levels = append(levels, factors)
		pyramid.Debugf("chunk %s level %d: factors %s -> chunk %s\n", initial, len(levels)-1, factors, shape)
		if factors == Isotropic {
			break
		}
	}
	for i := 0; i < padding; i++ {
		levels = append(levels, Isotropic)
	}
	return FactorSchedule{levels: levels}, nil
}

// ApplySchedule returns the chunk shape at each level of the schedule, starting with
// the given shape at level 0.  Shapes are not clamped and may reach zero.
func ApplySchedule(initial ChunkShape, fs FactorSchedule) []ChunkShape {
	shapes := make([]ChunkShape, fs.Len())
	if len(shapes) == 0 {
		return shapes
	}
	shapes[0] = initial
	for i := 1; i < len(shapes); i++ {
		shapes[i] = shapes[i-1].Apply(fs.levels[i])
	}
	return shapes
}

// nextFactors returns the factor triple for one level at the given chunk shape.
func nextFactors(shape ChunkShape) FactorTriple {
	pi, mi, ni := rankAxes(shape)
	n, m, p := float64(shape[ni]), float64(shape[mi]), float64(shape[pi])
	x := math.RoundToEven(n / m)
	y := math.RoundToEven(n / p)

	dn, dm, dp := int32(2), int32(2), int32(1)
	if x > 1 {
		dm = 1
	} else if y <= 1 {
		dp = 2
	}
	var factors FactorTriple
	factors[ni] = dn
	factors[mi] = dm
	factors[pi] = dp
	return factors
}

// rankAxes returns the axis indices of the smallest, middle, and largest extents.
// Axes are ordered by a stable ascending sort, so among equal extents the lower
// axis index ranks as smaller.
func rankAxes(shape ChunkShape) (small, middle, large int) {
	idx := []int{0, 1, 2}
	sort.SliceStable(idx, func(a, b int) bool {
		return shape[idx[a]] < shape[idx[b]]
	})
	return idx[0], idx[1], idx[2]
}

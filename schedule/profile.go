package schedule

import "sort"

// FullProfile is the name of the profile that rechunks native slices into
// 128x128x64 chunks and downsamples 2x2x1 once before going isotropic.
const FullProfile = "full"

var (
	// DefaultChunkShape is returned for any (profile, level) without an explicit chunk shape.
	DefaultChunkShape = ChunkShape{64, 64, 64}

	// DefaultFactor is returned for any (profile, level) without an explicit factor.
	DefaultFactor = FactorTriple{2, 2, 1}
)

// ResolutionProfile holds explicit per-level chunk shapes and factors.  Level -1
// is the native upload layout before any rechunking.  The factor at level m is the
// one used when downsampling from level m to level m+1.
type ResolutionProfile struct {
	Name    string
	Chunks  map[int]ChunkShape
	Factors map[int]FactorTriple
}

// ChunkShape returns the chunk shape for the level and whether it was explicitly set.
func (rp *ResolutionProfile) ChunkShape(level int) (ChunkShape, bool) {
	if rp == nil {
		return DefaultChunkShape, false
	}
	shape, found := rp.Chunks[level]
	if !found {
		return DefaultChunkShape, false
	}
	return shape, true
}

// Factor returns the factor triple for the level and whether it was explicitly set.
func (rp *ResolutionProfile) Factor(level int) (FactorTriple, bool) {
	if rp == nil {
		return DefaultFactor, false
	}
	f, found := rp.Factors[level]
	if !found {
		return DefaultFactor, false
	}
	return f, true
}

// profiles is the closed set of named profiles.  It is never modified after init.
var profiles = map[string]*ResolutionProfile{
	FullProfile: {
		Name: FullProfile,
		Chunks: map[int]ChunkShape{
			-1: {1024, 1024, 1},
			0:  {128, 128, 64},
			1:  {128, 128, 64},
			2:  {128, 128, 64},
			3:  {128, 128, 64},
			4:  {128, 128, 64},
			5:  {64, 64, 64},
			6:  {64, 64, 64},
			7:  {64, 64, 64},
			8:  {64, 64, 64},
			9:  {64, 64, 64},
		},
		Factors: map[int]FactorTriple{
			0: {2, 2, 1},
			1: {2, 2, 2},
			2: {2, 2, 2},
			3: {2, 2, 2},
			4: {2, 2, 2},
			5: {2, 2, 2},
			6: {2, 2, 2},
			7: {2, 2, 2},
			8: {2, 2, 2},
			9: {2, 2, 2},
		},
	},
}

// Profile returns the named profile or nil if there is no such profile.
func Profile(name string) *ResolutionProfile {
	return profiles[name]
}

// ProfileNames returns the sorted names of all known profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupChunkShape returns the chunk shape for a profile and level, or
// DefaultChunkShape (64,64,64) if the pair is not in the table.  Unknown pairs
// are not errors.
func LookupChunkShape(profile string, level int) ChunkShape {
	shape, _ := Profile(profile).ChunkShape(level)
	return shape
}

// LookupFactorTriple returns the factor triple for a profile and level, or
// DefaultFactor (2,2,1) if the pair is not in the table.  Unknown pairs are
// not errors.
func LookupFactorTriple(profile string, level int) FactorTriple {
	f, _ := Profile(profile).Factor(level)
	return f
}

/*
	Package plan lays out the resolution levels of a precomputed volume pyramid: the
	per-mip downsampling factor, voxel resolution, volume extent, and chunk shape.
	Factors come either from a named resolution profile or from a schedule derived
	from the configured chunk shape.
*/
package plan

import (
	"bytes"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/pyramid/pyramid"
	"github.com/janelia-flyem/pyramid/schedule"
)

// maxUploadPlane caps the x/y extent of native upload chunks in derived mode.
const maxUploadPlane = 1024

// Level is one resolution level of the pyramid.
type Level struct {
	Mip         int                   `json:"mip"`
	Factor      schedule.FactorTriple `json:"factor"` // applied to the previous level to reach this one
	Resolution  pyramid.Vector3d      `json:"resolution"`
	Size        pyramid.Point3d       `json:"size"`
	VoxelOffset pyramid.Point3d       `json:"voxel_offset"`
	ChunkShape  schedule.ChunkShape   `json:"chunk_size"`
	Key         string                `json:"key"`
}

// Bounds returns the voxel-space bounding box of the level.
func (l Level) Bounds() pyramid.Box {
	return pyramid.NewBox(l.VoxelOffset, l.Size)
}

// NumChunks returns the number of chunks needed to tile the level.
func (l Level) NumChunks() int64 {
	return l.Size.CeilDiv(l.ChunkShape.Point3d()).Prod()
}

// Plan is the computed layout of every level of a pyramid.
type Plan struct {
	Mode        string              `json:"mode"`
	Profile     string              `json:"profile,omitempty"`
	DataType    string              `json:"data_type"`
	LayerType   string              `json:"layer_type"`
	UploadChunk schedule.ChunkShape `json:"upload_chunk_size"`
	Levels      []Level             `json:"levels"`

	schedule schedule.FactorSchedule
}

// Schedule returns the factor schedule used for the plan's levels.  In derived mode
// this is the full derived schedule, which may extend past the planned levels.
func (p *Plan) Schedule() schedule.FactorSchedule {
	return p.schedule
}

// Level returns the plan level for the given mip.
func (p *Plan) Level(mip int) (Level, bool) {
	if mip < 0 || mip >= len(p.Levels) {
		return Level{}, false
	}
	return p.Levels[mip], true
}

// Build computes a plan from a validated configuration.
func Build(c *Config) (*Plan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{
		Mode:      c.Pyramid.Mode,
		DataType:  c.Volume.DataType,
		LayerType: c.Volume.LayerType,
	}

	var chunkFor func(mip int) schedule.ChunkShape
	switch c.Pyramid.Mode {
	case ModeProfile:
		p.Profile = c.Pyramid.Profile
		p.UploadChunk = schedule.LookupChunkShape(c.Pyramid.Profile, -1)
		steps := make([]schedule.FactorTriple, c.Pyramid.NumMips)
		for mip := range steps {
			steps[mip] = schedule.LookupFactorTriple(c.Pyramid.Profile, mip)
		}
		p.schedule = schedule.NewFactorSchedule(steps...)
		// The profile's chunk at level m is written when building mip m+1.  Mip 0
		// takes the level 0 chunk through the transfer step.
		chunkFor = func(mip int) schedule.ChunkShape {
			if mip == 0 {
				return schedule.LookupChunkShape(c.Pyramid.Profile, 0)
			}
			return schedule.LookupChunkShape(c.Pyramid.Profile, mip-1)
		}
	case ModeDerived:
		padding := schedule.DefaultPadding
		if c.Pyramid.Padding != nil {
			padding = *c.Pyramid.Padding
		}
		fs, err := schedule.DeriveScheduleWithOptions(c.Pyramid.Chunk, schedule.Options{Padding: padding})
		if err != nil {
			return nil, err
		}
		p.schedule = fs
		p.UploadChunk = schedule.ChunkShape{
			minInt32(c.Volume.Size[0], maxUploadPlane),
			minInt32(c.Volume.Size[1], maxUploadPlane),
			1,
		}
		chunkFor = func(int) schedule.ChunkShape {
			return c.Pyramid.Chunk
		}
	}

	level := Level{
		Mip:         0,
		Factor:      schedule.Identity,
		Resolution:  c.Volume.Resolution,
		Size:        c.Volume.Size,
		VoxelOffset: c.Volume.Offset,
	}
	level.ChunkShape = clampChunk(chunkFor(0), level.Size)
	level.Key = level.Resolution.Key()
	p.Levels = append(p.Levels, level)

	for mip := 1; mip <= c.Pyramid.NumMips; mip++ {
		prev := p.Levels[mip-1]
		if prev.Size == (pyramid.Point3d{1, 1, 1}) {
			pyramid.Infof("Stopping pyramid at mip %d since volume is a single voxel.\n", prev.Mip)
			break
		}
		factor := p.schedule.Level(mip)
		fp := factor.Point3d()
		level := Level{
			Mip:         mip,
			Factor:      factor,
			Resolution:  prev.Resolution.Scale(fp),
			Size:        prev.Size.CeilDiv(fp),
			VoxelOffset: prev.VoxelOffset.Div(fp),
		}
		level.ChunkShape = clampChunk(chunkFor(mip), level.Size)
		level.Key = level.Resolution.Key()
		p.Levels = append(p.Levels, level)
	}
	return p, nil
}

// Summary returns a human-readable description of each level.
func (p *Plan) Summary() string {
	bpv, err := BytesPerVoxel(p.DataType)
	if err != nil {
		bpv = 1
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s pyramid (%s", p.LayerType, p.DataType, p.Mode)
	if p.Profile != "" {
		fmt.Fprintf(&buf, " %q", p.Profile)
	}
	fmt.Fprintf(&buf, "), upload chunk %s\n", p.UploadChunk)
	var total uint64
	for _, l := range p.Levels {
		voxels := uint64(l.Size.Prod())
		total += voxels * uint64(bpv)
		fmt.Fprintf(&buf, "  mip %d  key %-24s factor %s  size %-20s chunk %-14s %s chunks, %s voxels, %s\n",
			l.Mip, l.Key, l.Factor, l.Size, l.ChunkShape,
			humanize.Comma(l.NumChunks()), humanize.Comma(int64(voxels)), humanize.Bytes(voxels*uint64(bpv)))
	}
	fmt.Fprintf(&buf, "  total %s uncompressed\n", humanize.Bytes(total))
	return buf.String()
}

// clampChunk limits a chunk shape to the level size with every extent at least 1.
func clampChunk(chunk schedule.ChunkShape, size pyramid.Point3d) schedule.ChunkShape {
	var out schedule.ChunkShape
	for i := range out {
		out[i] = minInt32(chunk[i], size[i])
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

/*
	Package tasks turns a pyramid plan into units of work and runs them with a local,
	bounded worker queue.  Transfer tasks rechunk the native upload layer into the
	destination layer's mip 0 chunking, and downsample tasks build each successive mip
	from the one below it.
*/
package tasks

import (
	"fmt"

	"github.com/janelia-flyem/pyramid/plan"
	"github.com/janelia-flyem/pyramid/pyramid"
	"github.com/janelia-flyem/pyramid/schedule"
)

// Kind is the type of work a task does.
type Kind string

const (
	Transfer   Kind = "transfer"
	Downsample Kind = "downsample"
)

// transferSpan is the number of mip 0 chunks along x and y covered by one transfer task.
const transferSpan = 8

// Task describes one region of work.  Bounds are in the voxel space of the source mip.
type Task struct {
	Kind      Kind                  `json:"kind"`
	Source    string                `json:"source"`
	Dest      string                `json:"dest"`
	Mip       int                   `json:"mip"`
	ChunkSize schedule.ChunkShape   `json:"chunk_size"` // chunk shape of the written level
	Factor    schedule.FactorTriple `json:"factor"`
	Bounds    pyramid.Box           `json:"bounds"`
}

// Name returns a deterministic identifier for the task, usable as a progress key.
func (t Task) Name() string {
	return fmt.Sprintf("%s_mip%d_%s", t.Kind, t.Mip, t.Bounds.Key())
}

func (t Task) String() string {
	return fmt.Sprintf("%s task mip %d %s (factor %s, chunk %s)", t.Kind, t.Mip, t.Bounds, t.Factor, t.ChunkSize)
}

// Stage orders execution: transfers come first, then the downsampling of mip 0, mip 1, etc.
func (t Task) Stage() int {
	if t.Kind == Transfer {
		return 0
	}
	return t.Mip + 1
}

// Target returns the region written by the task in the voxel space of the written mip.
func (t Task) Target() pyramid.Box {
	f := t.Factor.Point3d()
	return pyramid.Box{Min: t.Bounds.Min.Div(f), Max: t.Bounds.Max.CeilDiv(f)}
}

// TransferTasks partitions mip 0 into regions of whole mip 0 chunks, 8 chunks wide along
// x and y, that copy the upload layer into the destination layer.
func TransferTasks(p *plan.Plan, layer plan.LayerConfig) []Task {
	level, found := p.Level(0)
	if !found {
		return nil
	}
	shape := level.ChunkShape.Point3d().Mult(pyramid.Point3d{transferSpan, transferSpan, 1})
	regions := gridRegions(level.Bounds(), shape)
	tasks := make([]Task, len(regions))
	for i, region := range regions {
		tasks[i] = Task{
			Kind:      Transfer,
			Source:    layer.UploadLayer(),
			Dest:      layer.DestLayer(),
			Mip:       0,
			ChunkSize: level.ChunkShape,
			Factor:    schedule.Identity,
			Bounds:    region,
		}
	}
	return tasks
}

// DownsampleTasks returns the tasks that build every mip beyond 0.  Each task reads a
// region of the source mip shaped as the target chunk times the factor, so it writes
// whole target chunks.
func DownsampleTasks(p *plan.Plan, layer plan.LayerConfig) []Task {
	var tasks []Task
	for mip := 0; mip+1 < len(p.Levels); mip++ {
		src := p.Levels[mip]
		dst := p.Levels[mip+1]
		shape := dst.ChunkShape.Point3d().Mult(dst.Factor.Point3d())
		for _, region := range gridRegions(src.Bounds(), shape) {
			tasks = append(tasks, Task{
				Kind:      Downsample,
				Source:    layer.DestLayer(),
				Dest:      layer.DestLayer(),
				Mip:       mip,
				ChunkSize: dst.ChunkShape,
				Factor:    dst.Factor,
				Bounds:    region,
			})
		}
	}
	return tasks
}

// gridRegions tiles bounds with boxes of the given shape aligned to bounds.Min,
// clipping the last box along each axis.
func gridRegions(bounds pyramid.Box, shape pyramid.Point3d) []pyramid.Box {
	if bounds.Empty() || !shape.AllPositive() {
		return nil
	}
	var regions []pyramid.Box
	for z := bounds.Min[2]; z < bounds.Max[2]; z += shape[2] {
		for y := bounds.Min[1]; y < bounds.Max[1]; y += shape[1] {
			for x := bounds.Min[0]; x < bounds.Max[0]; x += shape[0] {
				region := pyramid.NewBox(pyramid.Point3d{x, y, z}, shape).Intersect(bounds)
				regions = append(regions, region)
			}
		}
	}
	return regions
}

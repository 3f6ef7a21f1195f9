package tasks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
	"gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/pyramid/plan"
	"github.com/janelia-flyem/pyramid/progress"
	"github.com/janelia-flyem/pyramid/pyramid"
	"github.com/janelia-flyem/pyramid/schedule"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type TasksSuite struct{}

var _ = Suite(&TasksSuite{})

const smallConfig = `
[volume]
size = [256, 256, 64]
resolution = [4.0, 4.0, 8.0]
data_type = "uint8"

[pyramid]
mode = "derived"
chunk_size = [64, 64, 32]
num_mips = 2

[layer]
dir = "viz"
name = "raw"
`

const atlasConfig = `
[volume]
size = [2160, 2560, 1271]
resolution = [5000.0, 5000.0, 10000.0]

[layer]
dir = "/data/viz"
name = "raw_atlas"
`

func buildPlan(c *C, text string) (*plan.Plan, plan.LayerConfig) {
	cfg, err := plan.DecodeConfig(text)
	c.Assert(err, IsNil)
	p, err := plan.Build(cfg)
	c.Assert(err, IsNil)
	return p, cfg.Layer
}

func (s *TasksSuite) TestTransferTasks(c *C) {
	p, layer := buildPlan(c, atlasConfig)
	tasks := TransferTasks(p, layer)
	c.Assert(tasks, HasLen, 3*3*20)

	first := tasks[0]
	c.Assert(first.Kind, Equals, Transfer)
	c.Assert(first.Source, Equals, "/data/viz/raw_atlas_rechunkme")
	c.Assert(first.Dest, Equals, "/data/viz/raw_atlas")
	c.Assert(first.ChunkSize, Equals, schedule.ChunkShape{128, 128, 64})
	c.Assert(first.Bounds, Equals, pyramid.Box{Max: pyramid.Point3d{1024, 1024, 64}})
	c.Assert(first.Name(), Equals, "transfer_mip0_0-1024_0-1024_0-64")
	c.Assert(first.Stage(), Equals, 0)
	c.Assert(first.Target(), Equals, first.Bounds)

	last := tasks[len(tasks)-1]
	c.Assert(last.Bounds, Equals, pyramid.Box{
		Min: pyramid.Point3d{2048, 2048, 1216},
		Max: pyramid.Point3d{2160, 2560, 1271},
	})

	var voxels int64
	names := make(map[string]bool)
	for _, t := range tasks {
		voxels += t.Bounds.Voxels()
		names[t.Name()] = true
	}
	c.Assert(voxels, Equals, int64(2160*2560*1271))
	c.Assert(names, HasLen, len(tasks))
}

func (s *TasksSuite) TestDownsampleTasks(c *C) {
	p, layer := buildPlan(c, smallConfig)
	c.Assert(p.Levels, HasLen, 3)

	tasks := DownsampleTasks(p, layer)
	c.Assert(tasks, HasLen, 9)
	for _, t := range tasks[:8] {
		c.Assert(t.Mip, Equals, 0)
		c.Assert(t.Stage(), Equals, 1)
		c.Assert(t.Factor, Equals, schedule.FactorTriple{2, 2, 1})
		c.Assert(t.Bounds.Size(), Equals, pyramid.Point3d{128, 128, 32})
		c.Assert(t.Source, Equals, filepath.Join("viz", "raw"))
	}
	last := tasks[8]
	c.Assert(last.Mip, Equals, 1)
	c.Assert(last.Stage(), Equals, 2)
	c.Assert(last.Factor, Equals, schedule.Isotropic)
	c.Assert(last.ChunkSize, Equals, schedule.ChunkShape{64, 64, 32})
	c.Assert(last.Name(), Equals, "downsample_mip1_0-128_0-128_0-64")
	c.Assert(last.Target(), Equals, pyramid.Box{Max: pyramid.Point3d{64, 64, 32}})

	transfers := TransferTasks(p, layer)
	c.Assert(transfers, HasLen, 2)
	c.Assert(transfers[1].Bounds, Equals, pyramid.Box{
		Min: pyramid.Point3d{0, 0, 32},
		Max: pyramid.Point3d{256, 256, 64},
	})
}

func (s *TasksSuite) TestGridRegions(c *C) {
	bounds := pyramid.NewBox(pyramid.Point3d{10, 20, 30}, pyramid.Point3d{5, 3, 2})
	regions := gridRegions(bounds, pyramid.Point3d{2, 2, 2})
	c.Assert(regions, HasLen, 3*2*1)
	c.Assert(regions[0], Equals, pyramid.Box{Min: pyramid.Point3d{10, 20, 30}, Max: pyramid.Point3d{12, 22, 32}})
	c.Assert(regions[2], Equals, pyramid.Box{Min: pyramid.Point3d{14, 20, 30}, Max: pyramid.Point3d{15, 22, 32}})

	c.Assert(gridRegions(pyramid.Box{}, pyramid.Point3d{2, 2, 2}), HasLen, 0)
	c.Assert(gridRegions(bounds, pyramid.Point3d{0, 2, 2}), HasLen, 0)
}

func (s *TasksSuite) TestManifest(c *C) {
	p, layer := buildPlan(c, smallConfig)
	tasks := append(TransferTasks(p, layer), DownsampleTasks(p, layer)...)

	for _, setting := range []string{"", "none", "gzip", "snappy"} {
		comp, err := ParseCompression(setting)
		c.Assert(err, IsNil)
		var buf bytes.Buffer
		c.Assert(WriteManifest(&buf, tasks, comp), IsNil)
		decoded, err := ReadManifest(&buf, comp)
		c.Assert(err, IsNil)
		c.Assert(decoded, DeepEquals, tasks)
	}

	_, err := ParseCompression("zstd")
	c.Assert(err, NotNil)
	_, err = ReadManifest(bytes.NewBufferString("not gzip"), Gzip)
	c.Assert(err, NotNil)
	_, err = ReadManifest(bytes.NewBufferString("{\"kind\": 3}\n"), NoCompression)
	c.Assert(err, NotNil)

	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	c.Assert(PutManifest(ctx, bucket, "raw"+Snappy.Ext(), tasks, Snappy), IsNil)
	stored, err := GetManifest(ctx, bucket, "raw.jsonl.sz", Snappy)
	c.Assert(err, IsNil)
	c.Assert(stored, DeepEquals, tasks)
	_, err = GetManifest(ctx, bucket, "missing.jsonl", NoCompression)
	c.Assert(err, NotNil)

	dir := c.MkDir()
	key, err := SaveManifest(ctx, "file://"+dir+"/manifests", "raw", tasks, Gzip)
	c.Assert(err, IsNil)
	c.Assert(key, Equals, "raw.jsonl.gz")
	f, err := os.Open(filepath.Join(dir, "manifests", key))
	c.Assert(err, IsNil)
	defer f.Close()
	fromFile, err := ReadManifest(f, Gzip)
	c.Assert(err, IsNil)
	c.Assert(fromFile, HasLen, len(tasks))
}

type recorder struct {
	sync.Mutex
	stages []int
	names  []string
	failOn func(Task) bool
}

var errInjected = errors.New("injected failure")

func (r *recorder) Handle(ctx context.Context, t Task) error {
	r.Lock()
	r.stages = append(r.stages, t.Stage())
	r.names = append(r.names, t.Name())
	r.Unlock()
	if r.failOn != nil && r.failOn(t) {
		return errInjected
	}
	return nil
}

func (s *TasksSuite) TestLocalQueueOrder(c *C) {
	p, layer := buildPlan(c, smallConfig)
	q := NewLocalQueue(4, nil)
	// insert out of order
	q.Insert(DownsampleTasks(p, layer)...)
	q.Insert(TransferTasks(p, layer)...)
	c.Assert(q.Len(), Equals, 11)

	r := &recorder{}
	stats, err := q.Execute(context.Background(), r)
	c.Assert(err, IsNil)
	c.Assert(stats.Executed, Equals, 11)
	c.Assert(stats.Skipped, Equals, 0)
	c.Assert(stats.Voxels, Equals, int64(2*256*256*64+128*128*64))
	c.Assert(stats.RunID, Not(Equals), "")
	c.Assert(q.Len(), Equals, 0)

	c.Assert(r.stages, HasLen, 11)
	for i := 1; i < len(r.stages); i++ {
		c.Assert(r.stages[i] >= r.stages[i-1], Equals, true)
	}
	c.Assert(r.stages[0], Equals, 0)
	c.Assert(r.stages[10], Equals, 2)
}

func (s *TasksSuite) TestLocalQueueProgress(c *C) {
	ctx := context.Background()
	p, layer := buildPlan(c, smallConfig)
	tracker := progress.New(memblob.OpenBucket(nil), "progress_raw", "mem://")
	defer tracker.Close()

	downsample := DownsampleTasks(p, layer)
	c.Assert(tracker.MarkDone(ctx, downsample[3].Name()), IsNil)

	q := NewLocalQueue(2, tracker)
	q.Insert(downsample...)
	r := &recorder{}
	stats, err := q.Execute(ctx, r)
	c.Assert(err, IsNil)
	c.Assert(stats.Executed, Equals, 8)
	c.Assert(stats.Skipped, Equals, 1)
	for _, name := range r.names {
		c.Assert(name, Not(Equals), downsample[3].Name())
	}

	completed, err := tracker.Completed(ctx)
	c.Assert(err, IsNil)
	c.Assert(completed, HasLen, 9)

	q.Insert(downsample...)
	stats, err = q.Execute(ctx, DryRunHandler{})
	c.Assert(err, IsNil)
	c.Assert(stats.Executed, Equals, 0)
	c.Assert(stats.Skipped, Equals, 9)
}

func (s *TasksSuite) TestLocalQueueFailure(c *C) {
	ctx := context.Background()
	p, layer := buildPlan(c, smallConfig)
	tracker := progress.New(memblob.OpenBucket(nil), "progress_raw", "mem://")
	defer tracker.Close()

	q := NewLocalQueue(3, tracker)
	q.Insert(TransferTasks(p, layer)...)
	q.Insert(DownsampleTasks(p, layer)...)
	r := &recorder{failOn: func(t Task) bool { return t.Kind == Downsample && t.Mip == 0 }}
	_, err := q.Execute(ctx, r)
	c.Assert(errors.Is(err, errInjected), Equals, true)
	for _, stage := range r.stages {
		c.Assert(stage < 2, Equals, true)
	}

	for _, t := range TransferTasks(p, layer) {
		done, err := tracker.Done(ctx, t.Name())
		c.Assert(err, IsNil)
		c.Assert(done, Equals, true)
	}
	for _, t := range DownsampleTasks(p, layer) {
		done, err := tracker.Done(ctx, t.Name())
		c.Assert(err, IsNil)
		c.Assert(done, Equals, false)
	}
}

func (s *TasksSuite) TestLocalQueueCanceled(c *C) {
	p, layer := buildPlan(c, smallConfig)
	q := NewLocalQueue(0, nil)
	c.Assert(q.Parallel, Equals, 1)
	q.Insert(DownsampleTasks(p, layer)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &recorder{}
	stats, err := q.Execute(ctx, r)
	c.Assert(errors.Is(err, context.Canceled), Equals, true)
	c.Assert(stats.Executed, Equals, 0)
	c.Assert(r.names, HasLen, 0)

	handled := 0
	q.Insert(TransferTasks(p, layer)...)
	_, err = q.Execute(context.Background(), HandlerFunc(func(ctx context.Context, t Task) error {
		handled++
		return nil
	}))
	c.Assert(err, IsNil)
	c.Assert(handled, Equals, 2)
}

var _ Tracker = (*progress.Tracker)(nil)

var errTracker = errors.New("marker store unavailable")

// stallingTracker reports the first task unfinished.  On the second check it
// signals checking, waits for the first handler to fail, then fails itself.
type stallingTracker struct {
	sync.Mutex
	calls         int
	checking      chan struct{}
	handlerFailed chan struct{}
}

func (st *stallingTracker) Done(ctx context.Context, key string) (bool, error) {
	st.Lock()
	st.calls++
	n := st.calls
	st.Unlock()
	if n == 1 {
		return false, nil
	}
	close(st.checking)
	<-st.handlerFailed
	return false, errTracker
}

func (st *stallingTracker) MarkDone(ctx context.Context, key string) error {
	return nil
}

func (s *TasksSuite) TestLocalQueueKeepsHandlerError(c *C) {
	p, layer := buildPlan(c, smallConfig)
	tracker := &stallingTracker{checking: make(chan struct{}), handlerFailed: make(chan struct{})}
	q := NewLocalQueue(2, tracker)
	q.Insert(DownsampleTasks(p, layer)...)

	var once sync.Once
	_, err := q.Execute(context.Background(), HandlerFunc(func(ctx context.Context, t Task) error {
		once.Do(func() {
			<-tracker.checking
			close(tracker.handlerFailed)
		})
		return errInjected
	}))
	c.Assert(errors.Is(err, errTracker), Equals, true)
	c.Assert(errors.Is(err, errInjected), Equals, true)
	c.Assert(tracker.calls, Equals, 2)
}

// Command-line interface for planning and running precomputed volume pyramids.
// Provides schedule derivation, resolution profile lookups, and local execution of
// rechunking and downsampling tasks.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/janelia-flyem/pyramid/plan"
	"github.com/janelia-flyem/pyramid/progress"
	"github.com/janelia-flyem/pyramid/pyramid"
	"github.com/janelia-flyem/pyramid/schedule"
	"github.com/janelia-flyem/pyramid/tasks"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
pyramid plans and builds multi-resolution pyramids of precomputed image volumes

Usage: pyramid [options] <command>

      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	schedule <x,y,z> [pad=<number>]      Derive downsample factors from an initial chunk shape.
	chunks   <profile> <mip>             Look up a profile's chunk shape for a mip (-1 for upload).
	factors  <profile> <mip>             Look up a profile's downsample factors for a mip.
	plan     <config.toml>               Show the resolution levels of a configured pyramid.
	tasks    <config.toml> [out=<bucket url>] [compress=gzip|snappy|none]
	                                     Write the transfer and downsample task manifest.
	run      <config.toml> [parallel=<number>]
	                                     Execute all tasks locally as a dry run, recording dry-run progress.
	slices   <config.toml>               List z slices of the upload layer not yet marked done.
`

// dryRunPrefix keeps progress markers of dry runs apart from those of real runs.
const dryRunPrefix = "dryrun_"

// out receives command output.
var out io.Writer = os.Stdout

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}

	if *runVerbose {
		pyramid.Verbose = true
		pyramid.SetLogMode(pyramid.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts, cancelling any running tasks.
	ctx, cancel := context.WithCancel(context.Background())
	stopSig := make(chan os.Signal, 1)
	go func() {
		for sig := range stopSig {
			log.Printf("Stop signal captured: %q.  Shutting down...\n", sig)
			cancel()
		}
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	command := pyramid.Command(flag.Args())
	err := DoCommand(ctx, command)
	pyramid.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, cmd pyramid.Command) error {
	if len(cmd) == 0 {
		return fmt.Errorf("Blank command!")
	}

	switch cmd.Name() {
	case "about":
		fmt.Fprintf(out, "pyramid %s\nprofiles: %s\n", pyramid.Version, strings.Join(schedule.ProfileNames(), ", "))
	case "help":
		fmt.Fprint(out, helpMessage)
	case "schedule":
		return DoSchedule(cmd)
	case "chunks", "factors":
		return DoLookup(cmd)
	case "plan":
		return DoPlan(cmd)
	case "tasks":
		return DoTasks(ctx, cmd)
	case "run":
		return DoRun(ctx, cmd)
	case "slices":
		return DoSlices(ctx, cmd)
	default:
		return fmt.Errorf("unknown command %q, try 'pyramid help'", cmd.Name())
	}
	return nil
}

// DoSchedule performs the "schedule" command, printing each level's factors and
// the chunk shape after applying them.
func DoSchedule(cmd pyramid.Command) error {
	var shapeStr string
	cmd.CommandArgs(&shapeStr)
	if shapeStr == "" {
		return fmt.Errorf("schedule command must be followed by a chunk shape, e.g., 1024,1024,64")
	}
	shape, err := schedule.ParseChunkShape(shapeStr)
	if err != nil {
		return err
	}
	pad, err := cmd.IntParameter(pyramid.KeyPad, schedule.DefaultPadding)
	if err != nil {
		return err
	}
	if pad < 0 {
		return fmt.Errorf("pad must be non-negative, got %d", pad)
	}
	fs, err := schedule.DeriveScheduleWithOptions(shape, schedule.Options{Padding: pad})
	if err != nil {
		return err
	}
	shapes := schedule.ApplySchedule(shape, fs)
	fmt.Fprintf(out, "Schedule for %s: %d levels, %d seeking isotropy\n", shape, fs.Len(), fs.SeekingLevels())
	for i, factor := range fs.Levels() {
		var iso string
		if shapes[i].IsIsotropic() {
			iso = "  isotropic"
		}
		fmt.Fprintf(out, "  level %2d  factor %s  chunk %s  anisotropy %.2f%s\n",
			i, factor, shapes[i], shapes[i].Anisotropy(), iso)
	}
	return nil
}

// DoLookup performs the "chunks" and "factors" commands.
func DoLookup(cmd pyramid.Command) error {
	var profile, mipStr string
	cmd.CommandArgs(&profile, &mipStr)
	if profile == "" || mipStr == "" {
		return fmt.Errorf("%s command must be followed by a profile name and mip", cmd.Name())
	}
	mip, err := strconv.Atoi(mipStr)
	if err != nil {
		return fmt.Errorf("bad mip %q: %v", mipStr, err)
	}
	if schedule.Profile(profile) == nil {
		pyramid.Warningf("Unknown profile %q, using defaults.\n", profile)
	}
	if cmd.Name() == "chunks" {
		fmt.Fprintln(out, schedule.LookupChunkShape(profile, mip))
	} else {
		fmt.Fprintln(out, schedule.LookupFactorTriple(profile, mip))
	}
	return nil
}

func loadPlan(cmd pyramid.Command) (*plan.Config, *plan.Plan, error) {
	var filename string
	cmd.CommandArgs(&filename)
	if filename == "" {
		return nil, nil, fmt.Errorf("%s command must be followed by the path to a TOML configuration", cmd.Name())
	}
	cfg, err := plan.LoadConfig(filename)
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.SetLogger()
	p, err := plan.Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

// DoPlan performs the "plan" command.
func DoPlan(cmd pyramid.Command) error {
	_, p, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	fmt.Fprint(out, p.Summary())
	return nil
}

func allTasks(cfg *plan.Config, p *plan.Plan) []tasks.Task {
	all := tasks.TransferTasks(p, cfg.Layer)
	return append(all, tasks.DownsampleTasks(p, cfg.Layer)...)
}

// DoTasks performs the "tasks" command, writing the manifest to a bucket if
// "out" is given or to standard output otherwise.
func DoTasks(ctx context.Context, cmd pyramid.Command) error {
	cfg, p, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	compSetting, _ := cmd.Parameter(pyramid.KeyCompress)
	comp, err := tasks.ParseCompression(compSetting)
	if err != nil {
		return err
	}
	all := allTasks(cfg, p)
	ref, found := cmd.Parameter(pyramid.KeyOut)
	if !found {
		return tasks.WriteManifest(out, all, comp)
	}
	key, err := tasks.SaveManifest(ctx, ref, cfg.Layer.Name+"_tasks", all, comp)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %d tasks to %s in %s\n", len(all), key, ref)
	return nil
}

// DoRun performs the "run" command.
func DoRun(ctx context.Context, cmd pyramid.Command) error {
	cfg, p, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	parallel, err := cmd.IntParameter(pyramid.KeyParallel, cfg.Queue.Parallel)
	if err != nil {
		return err
	}
	q := tasks.NewLocalQueue(parallel, nil)
	if cfg.Progress.URL != "" {
		tracker, err := progress.Open(ctx, cfg.Progress.URL, dryRunPrefix+"progress_"+cfg.Layer.Name)
		if err != nil {
			return err
		}
		defer tracker.Close()
		q.Progress = tracker
	}
	q.Insert(allTasks(cfg, p)...)
	stats, err := q.Execute(ctx, tasks.DryRunHandler{})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, stats)
	return nil
}

// DoSlices performs the "slices" command.  Slice markers live under the upload
// layer's progress prefix.
func DoSlices(ctx context.Context, cmd pyramid.Command) error {
	cfg, _, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	if cfg.Progress.URL == "" {
		return fmt.Errorf("slices command requires a [progress] url in the configuration")
	}
	tracker, err := progress.Open(ctx, cfg.Progress.URL, "progress_"+cfg.Layer.Name+"_rechunkme")
	if err != nil {
		return err
	}
	defer tracker.Close()
	zmin := int(cfg.Volume.Offset[2])
	zmax := zmin + int(cfg.Volume.Size[2])
	remaining, err := tracker.RemainingSlices(ctx, zmin, zmax)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Have %d of %d planes to upload\n", len(remaining), zmax-zmin)
	if last := lastFinished(zmin, zmax, remaining); last >= zmin {
		when, err := tracker.MarkedAt(ctx, progress.SliceKey(last))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Last uploaded plane %d at %s\n", last, when.Format(time.RFC3339))
	}
	for _, z := range remaining {
		fmt.Fprintln(out, z)
	}
	return nil
}

// lastFinished returns the highest z in [zmin, zmax) not in the sorted remaining
// slice, or zmin-1 if every plane remains.
func lastFinished(zmin, zmax int, remaining []int) int {
	i := len(remaining) - 1
	for z := zmax - 1; z >= zmin; z-- {
		if i >= 0 && remaining[i] == z {
			i--
			continue
		}
		return z
	}
	return zmin - 1
}

// Command lumen runs, disassembles and profiles Lumen chunks.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/lumen/manifest"
	"github.com/chazu/lumen/vm"
	"github.com/chazu/lumen/vm/chunk"
	"github.com/chazu/lumen/vm/profile"
)

var log = commonlog.GetLogger("lumen.cli")

// countFlag counts repetitions of a boolean flag, so -v -v raises the
// verbosity twice.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(s string) error {
	if s == "true" {
		*c++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c = countFlag(n)
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: lumen [-v] <command> [options] [args]

Commands:
  run [-stats] [-profile db] [-every n] [chunk] [args...]
        Run a chunk. Numeric args are passed as numbers.
  dis <chunk>
        Print the disassembly of a chunk.
  demo [-o dir]
        Write the sample chunks (%s).
  profile [-run id] <db>
        List saved profiles, or the functions of one run.

Configuration is read from the nearest lumen.toml.

Examples:
  lumen demo -o demos
  lumen run demos/fib.lch 25
  lumen run -stats demos/garbage.lch
  lumen run -profile prof.db demos/fib.lch && lumen profile prof.db
`, strings.Join(demoNames(), ", "))
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lumen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	var verbose countFlag
	fs.Var(&verbose, "v", "increase log verbosity (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return 2
	}

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	configureLogging(m, int(verbose))

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		err = cmdRun(m, rest, stdout, stderr)
	case "dis":
		err = cmdDis(rest, stdout)
	case "demo":
		err = cmdDemo(rest, stdout, stderr)
	case "profile":
		err = cmdProfile(m, rest, stdout, stderr)
	case "help":
		usage(stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func configureLogging(m *manifest.Manifest, verbose int) {
	verbosity, path := verbose, ""
	if m != nil {
		verbosity += m.Log.Verbosity
		path = m.Path(m.Log.File)
	}
	if path == "" {
		commonlog.Configure(verbosity, nil)
		return
	}
	commonlog.Configure(verbosity, &path)
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func cmdRun(m *manifest.Manifest, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stats := fs.Bool("stats", false, "print collector statistics after the run")
	profPath := fs.String("profile", "", "save a profile of the run to this SQLite database")
	every := fs.Int("every", 0, "profile sampling period in instructions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, rest := "", fs.Args()
	if len(rest) > 0 {
		path, rest = rest[0], rest[1:]
	}
	if m != nil {
		if path == "" {
			path = m.Path(m.Run.Entry)
		}
		if *profPath == "" {
			*profPath = m.Path(m.Run.Profile)
		}
		if *every == 0 {
			*every = m.Run.ProfileEvery
		}
	}
	if path == "" {
		return errors.New("run: no chunk given and no run.entry in lumen.toml")
	}

	p, err := chunk.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := m.VMConfig()
	cfg.Stdout = stdout
	cfg.PanicHook = func(e *vm.Error) {
		log.Errorf("unprotected error: %s", e.Message)
	}
	rt := vm.New(cfg)
	defer rt.Close()
	rt.OpenBase()

	fn, err := rt.Load(p)
	if err != nil {
		return err
	}

	var prof *profile.Profiler
	if *profPath != "" {
		prof = profile.New(*every)
		prof.Attach(rt)
	}

	start := time.Now()
	results, err := rt.Call(fn, chunkArgs(rt, rest)...)
	elapsed := time.Since(start)
	if prof != nil {
		prof.Detach()
	}
	if err != nil {
		return err
	}
	log.Infof("%s finished in %s", path, elapsed)

	if len(results) > 0 {
		parts := make([]string, len(results))
		for i, v := range results {
			parts[i] = rt.ToString(v)
		}
		fmt.Fprintln(stdout, strings.Join(parts, "\t"))
	}
	if *stats {
		printStats(stderr, rt.Stats(), elapsed)
	}
	if prof != nil {
		if err := saveProfile(*profPath, path, prof); err != nil {
			return err
		}
	}
	return nil
}

// chunkArgs converts command-line arguments to values; those that read as
// numbers become numbers.
func chunkArgs(rt *vm.Runtime, args []string) []vm.Value {
	vals := make([]vm.Value, len(args))
	for i, a := range args {
		if f, err := strconv.ParseFloat(a, 64); err == nil {
			vals[i] = vm.FromNumber(f)
		} else {
			vals[i] = rt.NewString(a)
		}
	}
	return vals
}

func printStats(w io.Writer, s vm.GCStats, elapsed time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "elapsed\t%s\n", elapsed)
	fmt.Fprintf(tw, "heap\t%s (threshold %s)\n", humanize.Bytes(uint64(s.TotalBytes)), humanize.Bytes(uint64(s.Threshold)))
	fmt.Fprintf(tw, "live objects\t%s\n", humanize.Comma(int64(s.LiveObjects)))
	fmt.Fprintf(tw, "allocations\t%s\n", humanize.Comma(int64(s.Allocations)))
	fmt.Fprintf(tw, "freed\t%s objects, %s\n", humanize.Comma(int64(s.Freed)), humanize.Bytes(s.FreedBytes))
	fmt.Fprintf(tw, "cycles\t%d (%d steps, last %s)\n", s.Cycles, s.Steps, s.LastCycle)
	fmt.Fprintf(tw, "finalizers\t%d run, %d failed\n", s.Finalized, s.FinalizerErrors)
	fmt.Fprintf(tw, "emergency collections\t%d\n", s.EmergencyCollections)
	fmt.Fprintf(tw, "gc state\t%s\n", s.State)
	tw.Flush()
}

func saveProfile(dbPath, label string, prof *profile.Profiler) error {
	store, err := profile.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.Save(label, prof)
	if err != nil {
		return err
	}
	log.Noticef("profile run %d saved to %s", id, dbPath)
	return nil
}

// ---------------------------------------------------------------------------
// dis
// ---------------------------------------------------------------------------

func cmdDis(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("dis: expected one chunk file")
	}
	p, err := chunk.ReadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, vm.Disassemble(p))
	return nil
}

// ---------------------------------------------------------------------------
// demo
// ---------------------------------------------------------------------------

func cmdDemo(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("o", ".", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths, err := writeDemos(*dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

// ---------------------------------------------------------------------------
// profile
// ---------------------------------------------------------------------------

func cmdProfile(m *manifest.Manifest, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	runID := fs.Int64("run", 0, "show the functions of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dbPath := fs.Arg(0)
	if dbPath == "" && m != nil {
		dbPath = m.Path(m.Run.Profile)
	}
	if dbPath == "" {
		return errors.New("profile: no database given")
	}

	store, err := profile.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	if *runID == 0 {
		runs, err := store.Runs()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tLABEL\tINSTRUCTIONS\tWHEN")
		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ID, r.Label, humanize.Comma(r.Instructions), humanize.Time(r.CreatedAt))
		}
		return nil
	}

	funcs, err := store.Functions(*runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "FUNCTION\tSOURCE\tCALLS\tSAMPLES")
	for _, f := range funcs {
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s\n", f.Name, f.Source, f.LineDefined, humanize.Comma(f.Calls), humanize.Comma(f.Samples))
	}
	return nil
}

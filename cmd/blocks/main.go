// Package main implements the blocks CLI: convert a block-device
// container stack to LVM, retrofit it for bcache, resize it in place,
// or repair its LVM metadata rotation. See spec.md §6 for the exact
// subcommand and flag surface this mirrors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/bcache"
	"github.com/superfly/blocks/internal/blockdev"
	"github.com/superfly/blocks/internal/blockserr"
	"github.com/superfly/blocks/internal/extutil"
	"github.com/superfly/blocks/internal/history"
	"github.com/superfly/blocks/internal/ledger"
	"github.com/superfly/blocks/internal/lvm"
	"github.com/superfly/blocks/internal/maintboot"
	"github.com/superfly/blocks/internal/metrics"
	"github.com/superfly/blocks/internal/resize"
	"github.com/superfly/blocks/internal/stack"
	"github.com/superfly/blocks/internal/tracing"
)

var log = logrus.New()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	debug := false
	metricsAddr := ""
	args := os.Args[1:]
	args = stripGlobalFlags(args, &debug, &metricsAddr)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	rest := args[1:]

	var err error
	switch command {
	case "to-lvm", "lvmify":
		err = runToLVM(rest)
	case "to-bcache":
		err = runToBCache(rest)
	case "resize":
		err = runResize(rest)
	case "rotate":
		err = runRotate(rest)
	case "fsck-ledger":
		err = runFsckLedger(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.WithError(err).Error(command + " failed")
		var rr *blockserr.RecoveryRequired
		if errors.As(err, &rr) && rr.Recipe != "" {
			fmt.Fprintf(os.Stderr, "manual recovery required:\n%s\n", rr.Recipe)
		}
		os.Exit(blockserr.ExitCode(err))
	}
}

// stripGlobalFlags pulls --debug and --metrics-addr=ADDR out of args
// wherever they appear before the subcommand's own flags are parsed,
// since flag.FlagSet doesn't know about them until each subcommand
// registers them too.
func stripGlobalFlags(args []string, debug *bool, metricsAddr *string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--debug":
			*debug = true
		case a == "--metrics-addr" && i+1 < len(args):
			*metricsAddr = args[i+1]
			i++
		case len(a) > len("--metrics-addr=") && a[:len("--metrics-addr=")] == "--metrics-addr=":
			*metricsAddr = a[len("--metrics-addr="):]
		default:
			out = append(out, a)
		}
	}
	return out
}

// serveMetrics starts a background HTTP server exposing the process's
// prometheus registry at /metrics, for long-running resize/to-lvm batch
// use where an operator wants to scrape stage timings.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Warn("metrics server exited")
		}
	}()
}

func printUsage() {
	fmt.Println("blocks: block-device container conversion tool")
	fmt.Println()
	fmt.Println("Usage: blocks [--debug] <command> [options] DEVICE [...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  to-lvm (lvmify) [--vg-name NAME | --join VG] DEVICE")
	fmt.Println("  to-bcache [--join CSET-UUID] [--maintboot] DEVICE")
	fmt.Println("  resize [--resize-device] DEVICE SIZE")
	fmt.Println("  rotate DEVICE")
	fmt.Println("  fsck-ledger")
}

func newRunner() *extutil.Runner {
	return extutil.New()
}

func recordRun(ctx context.Context, command, device string, runErr error) {
	h, err := history.New(history.DefaultConfig())
	if err != nil {
		log.WithError(err).Debug("history unavailable, skipping run record")
		return
	}
	defer h.Close()
	id, err := h.Begin(ctx, command, device)
	if err != nil {
		log.WithError(err).Debug("failed to record run start")
		return
	}
	if err := h.Finish(ctx, id, runErr, blockserr.Kind(runErr)); err != nil {
		log.WithError(err).Debug("failed to record run outcome")
	}
}

const ledgerPath = "/var/lib/blocks/ledger.db"

// openLedger opens the scoped-resource crash-recovery journal, reconciles
// it against what's actually still present on the system (per spec.md
// §5's dangling rozeros-*/synthetic-* recovery requirement), and returns
// it for the caller to stash into ctx via ledger.WithLedger. Ledger
// failures are logged and swallowed rather than aborting the command: a
// missing crash-recovery journal degrades safety, it doesn't block a
// conversion the operator asked for.
func openLedger(ctx context.Context, runner *extutil.Runner) *ledger.Ledger {
	led, err := ledger.Open(ledgerPath, log)
	if err != nil {
		log.WithError(err).Warn("ledger unavailable, crash recovery for this run will not be journaled")
		return nil
	}
	stale, err := reconcileLedger(ctx, runner, led)
	if err != nil {
		log.WithError(err).Warn("ledger reconcile failed")
	}
	for _, e := range stale {
		log.WithFields(logrus.Fields{"kind": e.Kind, "name": e.Name}).Warn("cleared dangling scoped resource left by a previous crash")
	}
	return led
}

// reconcileLedger scans led for entries whose backing loopback or dm node
// vanished without a matching teardown record and forgets them, the
// recovery scan spec.md §5 requires after a crash between setup and
// teardown.
func reconcileLedger(ctx context.Context, runner *extutil.Runner, led *ledger.Ledger) ([]ledger.Entry, error) {
	return led.Reconcile(func(e ledger.Entry) bool { return scopedResourceExists(ctx, runner, e) })
}

func scopedResourceExists(ctx context.Context, runner *extutil.Runner, e ledger.Entry) bool {
	switch e.Kind {
	case ledger.KindDMNode:
		_, err := os.Stat("/dev/mapper/" + e.Name)
		return err == nil
	case ledger.KindLoopback, ledger.KindTempDir, ledger.KindTempMount:
		_, err := os.Stat(e.Name)
		return err == nil
	default:
		return true
	}
}

func runToLVM(args []string) error {
	fs := flag.NewFlagSet("to-lvm", flag.ExitOnError)
	vgName := fs.String("vg-name", "", "explicit volume group name")
	join := fs.String("join", "", "existing volume group to merge into")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("to-lvm: expected exactly one DEVICE argument")
	}
	devicePath := fs.Arg(0)

	ctx := context.Background()
	ctx = metrics.WithCommand(ctx, "to-lvm")
	ctx, span := tracing.StartPipeline(ctx, "to-lvm", devicePath)
	defer span.End()
	stop := metrics.Stage("to-lvm", "total")
	defer stop()

	runner := newRunner()
	device := blockdev.New(devicePath, runner, log)

	if led := openLedger(ctx, runner); led != nil {
		defer led.Close()
		ctx = ledger.WithLedger(ctx, led)
	}

	result, err := lvm.Retrofit(ctx, device, lvm.Options{VGName: *vgName, Join: *join}, runner, log)
	recordRun(ctx, "to-lvm", devicePath, err)
	if err != nil {
		metrics.Result("to-lvm", "error")
		return err
	}
	metrics.Result("to-lvm", "ok")
	fmt.Printf("converted %s to LVM: vg=%s lv=%s fsuuid=%s\n", devicePath, result.VGName, result.LVName, result.FSUUID)
	return nil
}

func runToBCache(args []string) error {
	fs := flag.NewFlagSet("to-bcache", flag.ExitOnError)
	join := fs.String("join", "", "existing cache set UUID to join")
	doMaintboot := fs.Bool("maintboot", false, "hand off to the maintenance-boot bootstrap after conversion")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("to-bcache: expected exactly one DEVICE argument")
	}
	devicePath := fs.Arg(0)

	ctx := context.Background()
	ctx = metrics.WithCommand(ctx, "to-bcache")
	ctx, span := tracing.StartPipeline(ctx, "to-bcache", devicePath)
	defer span.End()
	stop := metrics.Stage("to-bcache", "total")
	defer stop()

	runner := newRunner()
	device := blockdev.New(devicePath, runner, log)

	if led := openLedger(ctx, runner); led != nil {
		defer led.Close()
		ctx = ledger.WithLedger(ctx, led)
	}

	var fsuuid string
	if st, err := stack.Walk(ctx, device, runner, log); err == nil {
		if err := st.ReadSuperblocks(ctx); err == nil && st.FS != nil {
			fsuuid = st.FS.UUID()
		}
	}

	err := bcache.Retrofit(ctx, device, *join, runner, log)
	recordRun(ctx, "to-bcache", devicePath, err)
	if err != nil {
		metrics.Result("to-bcache", "error")
		return err
	}
	metrics.Result("to-bcache", "ok")
	fmt.Printf("converted %s to a bcache backing device\n", devicePath)

	if *doMaintboot {
		if fsuuid == "" {
			return fmt.Errorf("to-bcache: --maintboot requires a filesystem UUID, but none could be read before conversion")
		}
		if err := maintboot.Invoke(ctx, runner, maintboot.Args{Command: "to-bcache", Device: fsuuid}); err != nil {
			return err
		}
	}
	return nil
}

var sizeRe = regexp.MustCompile(`^(\d+)([bkmgtpe])?$`)

// parseSize implements spec.md §6's SIZE grammar: a decimal integer
// with an optional single-letter multiplier suffix, 1024^0 through
// 1024^6.
func parseSize(s string) (int64, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q, expected digits with an optional b/k/m/g/t/p/e suffix", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult := int64(1)
	switch m[2] {
	case "", "b":
		mult = 1
	case "k":
		mult = 1024
	case "m":
		mult = 1024 * 1024
	case "g":
		mult = 1024 * 1024 * 1024
	case "t":
		mult = 1024 * 1024 * 1024 * 1024
	case "p":
		mult = 1024 * 1024 * 1024 * 1024 * 1024
	case "e":
		mult = 1024 * 1024 * 1024 * 1024 * 1024 * 1024
	}
	return n * mult, nil
}

func runResize(args []string) error {
	fs := flag.NewFlagSet("resize", flag.ExitOnError)
	resizeDevice := fs.Bool("resize-device", false, "also resize the underlying LV/partition, not just the stack")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("resize: expected DEVICE and SIZE arguments")
	}
	devicePath := fs.Arg(0)
	newSize, err := parseSize(fs.Arg(1))
	if err != nil {
		return err
	}

	ctx := context.Background()
	ctx = metrics.WithCommand(ctx, "resize")
	ctx, span := tracing.StartPipeline(ctx, "resize", devicePath)
	defer span.End()
	stop := metrics.Stage("resize", "total")
	defer stop()

	runner := newRunner()
	device := blockdev.New(devicePath, runner, log)

	err = resize.Resize(ctx, device, newSize, *resizeDevice, runner, log)
	recordRun(ctx, "resize", devicePath, err)
	if err != nil {
		metrics.Result("resize", "error")
		return err
	}
	metrics.Result("resize", "ok")
	fmt.Printf("resized %s to %d bytes\n", devicePath, newSize)
	return nil
}

// runFsckLedger is the standalone entry point for spec.md §5's recovery
// scan: sweep /var/lib/blocks/ledger.db for scoped resources whose
// loopback or dm-node backing is gone and forget them, without running
// any conversion. Operators run this after a crash is suspected, or a
// boot unit runs it before the first conversion of a fresh boot.
func runFsckLedger(args []string) error {
	fs := flag.NewFlagSet("fsck-ledger", flag.ExitOnError)
	fs.Parse(args)

	ctx := context.Background()
	runner := newRunner()

	led, err := ledger.Open(ledgerPath, log)
	if err != nil {
		return fmt.Errorf("fsck-ledger: opening %s: %w", ledgerPath, err)
	}
	defer led.Close()

	stale, err := reconcileLedger(ctx, runner, led)
	if err != nil {
		return fmt.Errorf("fsck-ledger: reconciling %s: %w", ledgerPath, err)
	}

	if len(stale) == 0 {
		fmt.Println("fsck-ledger: no dangling scoped resources found")
		return nil
	}
	for _, e := range stale {
		fmt.Printf("fsck-ledger: cleared dangling %s %s (backing %s, recorded %s)\n", e.Kind, e.Name, e.Backing, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func runRotate(args []string) error {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("rotate: expected exactly one DEVICE argument")
	}
	devicePath := fs.Arg(0)

	ctx := context.Background()
	ctx = metrics.WithCommand(ctx, "rotate")
	ctx, span := tracing.StartPipeline(ctx, "rotate", devicePath)
	defer span.End()
	stop := metrics.Stage("rotate", "total")
	defer stop()

	runner := newRunner()
	device := blockdev.New(devicePath, runner, log)

	err := lvm.Rotate(ctx, device, runner, log)
	recordRun(ctx, "rotate", devicePath, err)
	if err != nil {
		metrics.Result("rotate", "error")
		return err
	}
	metrics.Result("rotate", "ok")
	fmt.Printf("rotated %s\n", devicePath)
	return nil
}

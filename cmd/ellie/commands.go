package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/ellie-lang/ellie/inspect"
	"github.com/ellie-lang/ellie/manifest"
	"github.com/ellie-lang/ellie/vm"
	"github.com/ellie-lang/ellie/vm/image"
)

// mainEntry returns the image's entry with the stack length taken from, in
// order: the -stack flag, the image, the manifest.
func mainEntry(m *manifest.Manifest, img *image.Image, stackLen int) vm.ThreadEntry {
	entry := img.MainEntry()
	switch {
	case stackLen >= 0:
		entry.StackLen = stackLen
	case entry.StackLen == 0:
		entry.StackLen = m.Program.StackLen
	}
	return entry
}

type runOptions struct {
	stackLen int
	trace    bool
	profile  int // report size; 0 disables profiling
}

// runProgram loads the program named by args and runs its main thread.
func runProgram(m *manifest.Manifest, args []string, opts runOptions) (*vm.VM, vm.ThreadExit, error) {
	path, err := programPath(m, args)
	if err != nil {
		return nil, vm.ThreadExit{}, err
	}
	img, err := loadImage(path)
	if err != nil {
		return nil, vm.ThreadExit{}, err
	}
	v, err := newVM(m, img)
	if err != nil {
		return nil, vm.ThreadExit{}, err
	}

	var tracers []vm.Tracer
	if opts.trace {
		tracers = append(tracers, func(id vm.ThreadID, f vm.FrameInfo, in vm.Instruction) {
			fmt.Fprintf(os.Stderr, "%04d  base=%-4d %s\n", f.Pos, f.Base, in)
		})
	}
	var prof *vm.Profiler
	if opts.profile > 0 {
		prof = vm.NewProfiler(v.Program())
		prof.OnHot = func(fp vm.FunctionProfile) {
			log.Infof("function %s (hash %d) is hot after %d calls", fp.Name, fp.Hash, fp.Calls)
		}
		tracers = append(tracers, prof.Tracer())
	}
	if len(tracers) > 0 {
		v.SetTracer(func(id vm.ThreadID, f vm.FrameInfo, in vm.Instruction) {
			for _, t := range tracers {
				t(id, f, in)
			}
		})
	}

	exit, err := v.RunThread(v.NewThread(mainEntry(m, img, opts.stackLen)))
	if err == nil && prof != nil {
		err = prof.WriteReport(os.Stderr, opts.profile)
	}
	return v, exit, err
}

func printExit(exit vm.ThreadExit) {
	r := exit.Registers
	fmt.Printf("A=%s  B=%s  C=%s  X=%s  Y=%s\n", r.A, r.B, r.C, r.X, r.Y)
	if exit.Panic != nil {
		fmt.Fprintf(os.Stderr, "thread panicked at %04d: %s\n", exit.Panic.Pos, exit.Panic)
	}
}

// handleRunCommand processes `ellie run`.
func handleRunCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	stackLen := fs.Int("stack", -1, "Main frame stack length (default from image or manifest)")
	trace := fs.Bool("trace", false, "Print every instruction before it executes")
	profile := fs.Int("profile", 0, "Print the N hottest functions and opcodes after the run")
	quiet := fs.Bool("q", false, "Do not print registers on exit")
	fs.Parse(args)

	_, exit, err := runProgram(m, fs.Args(), runOptions{stackLen: *stackLen, trace: *trace, profile: *profile})
	if err != nil {
		return err
	}
	if !*quiet || exit.Panic != nil {
		printExit(exit)
	}
	if exit.Panic != nil {
		return exitError(1)
	}
	return nil
}

// handlePackCommand processes `ellie pack`.
//
//	ellie pack calc.yaml             # writes the manifest image path or calc.eib
//	ellie pack -o out.eib calc.yaml
func handlePackCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	output := fs.String("o", "", "Output image path")
	fs.Parse(args)

	src, err := programPath(m, fs.Args())
	if err != nil {
		return err
	}
	if !isSource(src) {
		return fmt.Errorf("%s is not a YAML source", src)
	}
	img, err := image.LoadYAML(src)
	if err != nil {
		return err
	}

	out := *output
	switch {
	case out != "":
	case len(fs.Args()) == 0:
		out = m.ImagePath()
	default:
		out = strings.TrimSuffix(src, filepath.Ext(src)) + ".eib"
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	if err := image.WriteFile(out, img); err != nil {
		return err
	}
	log.Infof("packed %s -> %s (%d instructions)", src, out, len(img.Code))
	return nil
}

// handleDisasmCommand processes `ellie disasm`.
func handleDisasmCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	fs.Parse(args)

	path, err := programPath(m, fs.Args())
	if err != nil {
		return err
	}
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	p, err := img.Program()
	if err != nil {
		return err
	}
	fmt.Print(p.DisassembleWithName(filepath.Base(path)))
	return nil
}

// handleDumpCommand processes `ellie dump`: run the program, then print
// both arenas. With -db the dumps are also stored as an SQLite snapshot.
func handleDumpCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	stackLen := fs.Int("stack", -1, "Main frame stack length (default from image or manifest)")
	db := fs.String("db", m.DumpDBPath(), "SQLite database to record the snapshot in")
	label := fs.String("label", "", "Snapshot label (default: program path)")
	fs.Parse(args)

	v, exit, err := runProgram(m, fs.Args(), runOptions{stackLen: *stackLen})
	if err != nil {
		return err
	}
	printExit(exit)

	stack, heap := v.DumpStack(), v.DumpHeap()
	color := colorOutput(os.Stdout)
	if err := vm.WriteDump(os.Stdout, "stack", stack, color); err != nil {
		return err
	}
	if err := vm.WriteDump(os.Stdout, "heap", heap, color); err != nil {
		return err
	}

	if *db != "" {
		sink, err := inspect.OpenSink(*db)
		if err != nil {
			return err
		}
		defer sink.Close()
		name := *label
		if name == "" {
			name, _ = programPath(m, fs.Args())
		}
		id, err := sink.Write(context.Background(), name, stack, heap)
		if err != nil {
			return err
		}
		fmt.Printf("; snapshot %d written to %s\n", id, *db)
	}
	if exit.Panic != nil {
		return exitError(1)
	}
	return nil
}

// handleServeCommand processes `ellie serve`.
func handleServeCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", m.Inspect.Addr, "Listen address")
	db := fs.String("db", m.DumpDBPath(), "SQLite database for the Snapshot RPC")
	fs.Parse(args)

	path, err := programPath(m, fs.Args())
	if err != nil {
		return err
	}
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	v, err := newVM(m, img)
	if err != nil {
		return err
	}

	var opts []inspect.ServerOption
	if *db != "" {
		sink, err := inspect.OpenSink(*db)
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, inspect.WithSink(sink))
	}
	srv := inspect.NewServer(v, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("shutdown: %s", err)
		}
	}()
	return srv.ListenAndServe(*addr)
}

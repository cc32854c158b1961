// Ellie CLI - runs, assembles and inspects Ellie bytecode programs
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/ellie-lang/ellie/manifest"
	"github.com/ellie-lang/ellie/natives"
	"github.com/ellie-lang/ellie/vm"
	"github.com/ellie-lang/ellie/vm/image"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ellie.cli")

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (0 = errors only); overrides [log] verbosity")
	dir := flag.String("C", ".", "Directory to search for ellie.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ellie [options] <command> [command options] [program]\n\n")
		fmt.Fprintf(os.Stderr, "Runs Ellie programs. A program is a CBOR image (.eib) or a YAML source\n")
		fmt.Fprintf(os.Stderr, "(.yaml, .yml); without one the [program] section of ellie.toml is used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  run     Run the main thread and print its registers\n")
		fmt.Fprintf(os.Stderr, "  pack    Assemble a YAML source into a CBOR image\n")
		fmt.Fprintf(os.Stderr, "  disasm  Print a program listing\n")
		fmt.Fprintf(os.Stderr, "  dump    Run, then print stack and heap (optionally into SQLite)\n")
		fmt.Fprintf(os.Stderr, "  serve   Serve the inspection RPCs over HTTP\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ellie run calc.yaml             # Assemble and run\n")
		fmt.Fprintf(os.Stderr, "  ellie pack -o calc.eib calc.yaml\n")
		fmt.Fprintf(os.Stderr, "  ellie dump -db dumps.db calc.eib\n")
		fmt.Fprintf(os.Stderr, "  ellie serve -addr :7474 calc.eib\n")
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		abs, _ := filepath.Abs(*dir)
		m = manifest.Default(abs)
	}

	configureLogging(m, *verbosity)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var cmdErr error
	switch args[0] {
	case "run":
		cmdErr = handleRunCommand(m, args[1:])
	case "pack":
		cmdErr = handlePackCommand(m, args[1:])
	case "disasm":
		cmdErr = handleDisasmCommand(m, args[1:])
	case "dump":
		cmdErr = handleDumpCommand(m, args[1:])
	case "serve":
		cmdErr = handleServeCommand(m, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		if e, ok := cmdErr.(exitError); ok {
			os.Exit(int(e))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		os.Exit(1)
	}
}

// exitError carries a process exit status without an extra message.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func configureLogging(m *manifest.Manifest, verbosity int) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	var path *string
	if p := m.LogFilePath(); p != "" {
		path = &p
	}
	commonlog.Configure(verbosity, path)
}

// programPath picks the program argument, falling back to the manifest.
func programPath(m *manifest.Manifest, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if m.Program.Source != "" {
		return m.SourcePath(), nil
	}
	if p := m.ImagePath(); fileExists(p) {
		return p, nil
	}
	return "", fmt.Errorf("no program given and none configured in %s", manifest.FileName)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadImage reads a CBOR image or assembles a YAML source.
func loadImage(path string) (*image.Image, error) {
	if isSource(path) {
		log.Debugf("assembling %s", path)
		return image.LoadYAML(path)
	}
	log.Debugf("loading image %s", path)
	return image.ReadFile(path)
}

// newVM builds a VM for img from the manifest's [vm] and [natives] sections.
func newVM(m *manifest.Manifest, img *image.Image) (*vm.VM, error) {
	cfg, err := m.VMConfigValue()
	if err != nil {
		return nil, err
	}
	if m.VM.Width != 0 && cfg.Width != vm.Width(img.Width) {
		return nil, fmt.Errorf("image targets width %d but %s sets width %d", img.Width, manifest.FileName, cfg.Width)
	}
	cfg.Width = vm.Width(img.Width)

	p, err := img.Program()
	if err != nil {
		return nil, err
	}
	v, err := vm.New(p, cfg)
	if err != nil {
		return nil, err
	}
	if err := natives.Register(v.Natives(), os.Stdout, m.Natives.Modules...); err != nil {
		return nil, err
	}
	return v, nil
}

// colorOutput reports whether f is a terminal that understands ANSI colour.
func colorOutput(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Calyx CLI - runs and inspects compiled Calyx bytecode.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/calyx-lang/calyx/pkg/bytecode"
	"github.com/calyx-lang/calyx/pkg/module"
	"github.com/calyx-lang/calyx/pkg/vm"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	trace := flag.Bool("trace", false, "Log every dispatched instruction")
	disasm := flag.Bool("disasm", false, "Disassemble instead of running")
	stats := flag.Bool("stats", false, "Print performance stats after the run")
	moduleRoots := flag.String("modules", "", "Module search roots, colon-separated")
	artifacts := flag.String("artifacts", "", "Path to the compiled-artifact cache database")
	pause := flag.Bool("pause", false, "Enable the accessibility pause on heavy instructions")
	pauseThreshold := flag.Float64("pause-threshold", 0.7, "Cognitive weight above which to pause")
	pauseDelay := flag.Duration("pause-delay", 20*time.Millisecond, "Accessibility pause length")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: calyx [options] program.cxb\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Calyx program.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  calyx app.cxb                     # Run a program\n")
		fmt.Fprintf(os.Stderr, "  calyx -disasm app.cxb             # Show its instruction listing\n")
		fmt.Fprintf(os.Stderr, "  calyx -modules ./deps app.cxb     # Resolve imports from ./deps\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	commonlog.Configure(*verbose, nil)

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fail("reading program: %v", err)
	}
	prog, err := bytecode.Deserialize(data)
	if err != nil {
		fail("loading program: %v", err)
	}

	if *disasm {
		fmt.Print(prog.Disassemble())
		return
	}

	var host vm.ModuleHost
	if *moduleRoots != "" {
		cfg := module.LoaderConfig{
			Resolver: module.NewResolver(strings.Split(*moduleRoots, ":")...),
			Output:   os.Stdout,
		}
		if *artifacts != "" {
			store, err := module.NewArtifactStore(*artifacts)
			if err != nil {
				fail("opening artifact cache: %v", err)
			}
			defer store.Close()
			cfg.Artifacts = store
		}
		host = module.NewLoader(cfg)
	}

	engine := vm.New(vm.Config{
		Trace:          *trace,
		PauseEnabled:   *pause,
		PauseThreshold: *pauseThreshold,
		PauseDelay:     *pauseDelay,
		Output:         os.Stdout,
		Host:           host,
	})
	if err := engine.LoadProgram(prog); err != nil {
		fail("verifying program: %v", err)
	}

	result, err := engine.Run()
	if err != nil {
		if report := engine.Fault(); report != nil {
			fmt.Fprintf(os.Stderr, "%s\n  hint: %s\n", report.Error(), report.Hint)
			for _, frame := range report.Trace {
				fmt.Fprintf(os.Stderr, "  %s\n", frame)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	if *stats {
		s := engine.Stats()
		fmt.Fprintf(os.Stderr, "instructions: %d\ntime: %s\nstack peak: %d\nresult: %s\n",
			s.InstructionCount, s.ExecutionTime, s.StackDepthPeak, result)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

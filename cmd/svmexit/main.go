//go:build amd64

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/scenario"
	"github.com/tinyrange/svmcore/internal/svm"
	"github.com/tinyrange/svmcore/internal/trace"
)

// Replays shorter than this finish before a progress bar is worth drawing.
const progressThreshold = 10000

// checkHost reports whether this machine could run the exit core for real.
func checkHost() error {
	fs := cpuid.HostFeatureSet()
	if !fs.AMD() {
		return errors.New("host processor is not an AMD processor")
	}
	ext := (&cpuid.Native{}).Query(cpuid.In{Eax: amd64.CPUIDExtFeatures})
	if ext.Ecx&(1<<amd64.CPUIDSVMBit) == 0 {
		return errors.New("host processor does not report SVM")
	}
	return nil
}

func run() error {
	configPath := flag.String("config", "", "hypervisor configuration (YAML); defaults are used when empty")
	scenarioPath := flag.String("scenario", "", "intercept scenario to replay (YAML)")
	tracePath := flag.String("trace", "", "write a binary exit trace to this file (overrides the configuration)")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this file and exit")
	check := flag.Bool("check", false, "check whether the host processor supports SVM and exit")
	verbose := flag.Bool("v", false, "print every replayed exit")
	jsonOut := flag.Bool("json", false, "print statistics as JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `svmexit - replay SVM intercepts through the exit dispatcher

USAGE:
  svmexit [flags] -scenario FILE

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *check {
		if err := checkHost(); err != nil {
			return err
		}
		fmt.Println("host supports SVM")
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *tracePath != "" {
		cfg.Trace.Path = *tracePath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}

	if *scenarioPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}

	var tl *trace.Log
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.Trace.Path != "" {
		tl, err = trace.OpenFile(cfg.Trace.Path)
		if err != nil {
			return err
		}
		defer tl.Close()
		handler = trace.NewHandler(tl, "svmexit", level)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	sc, err := scenario.Load(*scenarioPath)
	if err != nil {
		return err
	}

	rec := &scenario.Recorder{Log: logger}
	h, err := svm.Build(cfg, svm.Options{
		Platform: rec,
		Logger:   logger,
		Trace:    tl,
	})
	if err != nil {
		return err
	}
	defer h.Teardown()

	if err := scenario.Prepare(h, sc); err != nil {
		return err
	}

	var progress func()
	if sc.Total() >= progressThreshold && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(int64(sc.Total()), "replay")
		defer bar.Close()
		progress = func() { bar.Add(1) }
	}

	results, err := scenario.Replay(h, sc, progress)
	if err != nil {
		return err
	}

	if *verbose {
		for _, r := range results {
			fmt.Println(r)
		}
	}

	stats := h.Stats()
	if *jsonOut {
		out := struct {
			Scenario string            `json:"scenario,omitempty"`
			Config   string            `json:"config"`
			Stats    svm.StatsSnapshot `json:"stats"`
			Platform scenario.Summary  `json:"platform"`
		}{sc.Name, cfg.Hash().String(), stats, rec.Summary()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("exits:         %d\n", stats.Exits)
	fmt.Printf("unhandled:     %d\n", stats.Unhandled)
	fmt.Printf("injected:      %d\n", stats.Injected)
	fmt.Printf("view switches: %d\n", stats.ViewSwitches)
	fmt.Printf("halts:         %d\n", stats.Halts)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmexit: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/svmcore/internal/trace"
)

func render(e trace.Entry) string {
	switch e.Kind {
	case trace.KindExit:
		x, err := trace.ParseExit(e.Data)
		if err != nil {
			return fmt.Sprintf("<bad exit record: %v>", err)
		}
		return x.String()
	case trace.KindString:
		return string(e.Data)
	default:
		return hex.EncodeToString(e.Data)
	}
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	exits := flag.Bool("exits", false, "only show exit records")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter rendered records")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `svmtrace - inspect binary exit traces

USAGE:
  svmtrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -exits         Only show exit records
  -source REGEX  Only show entries where source matches regex
  -match REGEX   Only show entries whose rendered text matches regex
  -limit N       Max entries to return (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

OUTPUT FORMAT:
  TIMESTAMP [SOURCE] RECORD
  Exit records are printed as code, rip, exit info, next rip and action.

EXAMPLES:
  svmtrace exits.bin                       First 100 entries
  svmtrace -exits -source '^cpu1$' t.bin   Exits of processor 1
  svmtrace -match 'code=0x7c' t.bin        MSR intercepts
  svmtrace -tail -limit 20 t.bin           Last 20 entries
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type line struct {
		ts     time.Time
		source string
		text   string
	}
	var lines []line

	if err := reader.Each(func(e trace.Entry) error {
		if *exits && e.Kind != trace.KindExit {
			return nil
		}
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		text := render(e)
		if matchRe != nil && !matchRe.MatchString(text) {
			return nil
		}
		lines = append(lines, line{ts: e.Time, source: e.Source, text: text})
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	if *limit > 0 && len(lines) > *limit {
		if *tail {
			lines = lines[len(lines)-*limit:]
		} else {
			lines = lines[:*limit]
		}
	}

	for _, l := range lines {
		fmt.Printf("%s [%s] %s\n", l.ts.Format(time.RFC3339Nano), l.source, l.text)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmtrace: %v\n", err)
		os.Exit(1)
	}
}

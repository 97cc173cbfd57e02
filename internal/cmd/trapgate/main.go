// Command trapgate boots guest scenarios that raise CPU exceptions and checks
// what their handlers report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/trapgate/internal/console"
	"github.com/tinyrange/trapgate/internal/guest"
	"github.com/tinyrange/trapgate/internal/hv/kvm"
	"github.com/tinyrange/trapgate/internal/scenario"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorDim   = "\033[2m"
)

var errFailed = errors.New("scenarios failed")

type trapgate struct {
	out     io.Writer
	colour  bool
	screen  bool
	timeout time.Duration
}

func (t *trapgate) color(code, text string) string {
	if !t.colour {
		return text
	}
	return code + text + colorReset
}

func (t *trapgate) load(file, dir string) ([]*scenario.Scenario, error) {
	switch {
	case file != "" && dir != "":
		return nil, fmt.Errorf("-scenario and -dir are mutually exclusive")
	case file != "":
		sc, err := scenario.LoadFile(file)
		if err != nil {
			return nil, err
		}
		return []*scenario.Scenario{sc}, nil
	case dir != "":
		return scenario.LoadDir(dir)
	default:
		return scenario.Builtin()
	}
}

func (t *trapgate) list(scenarios []*scenario.Scenario) {
	for _, sc := range scenarios {
		fmt.Fprintf(t.out, "%-16s %-16s %s\n", sc.Name, sc.Program, t.color(colorDim, sc.Description))
	}
}

func (t *trapgate) report(r scenario.Report, err error, screen *console.Screen) bool {
	name := r.Scenario.Name
	if err == nil && r.Passed() {
		fmt.Fprintf(t.out, "%s %s %s\n", t.color(colorGreen, "PASS"), name,
			t.color(colorDim, r.Duration.Round(time.Millisecond).String()))
	} else {
		fmt.Fprintf(t.out, "%s %s\n", t.color(colorRed, "FAIL"), name)
		if err != nil {
			fmt.Fprintf(t.out, "    error: %v\n", err)
		}
		for _, f := range r.Failures {
			fmt.Fprintf(t.out, "    %v\n", f)
		}
		if out := strings.TrimRight(r.Result.Output, "\n"); out != "" {
			fmt.Fprintf(t.out, "    output:\n")
			for _, line := range strings.Split(out, "\n") {
				fmt.Fprintf(t.out, "      %s\n", line)
			}
		}
	}
	if screen != nil {
		fmt.Fprintln(t.out, screen.Render(t.colour))
	}
	return err == nil && r.Passed()
}

func (t *trapgate) Main() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	file := fs.String("scenario", "", "Run the scenario in this YAML file")
	dir := fs.String("dir", "", "Run every scenario in this directory")
	list := fs.Bool("list", false, "List the scenarios and exit")
	screen := fs.Bool("screen", false, "Print the emulated text screen after each scenario")
	dbg := fs.Bool("debug", false, "Enable debug logging")
	timeout := fs.Duration("timeout", 0, "Override every scenario's timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	t.out = os.Stdout
	t.colour = term.IsTerminal(int(os.Stdout.Fd()))
	t.screen = *screen
	t.timeout = *timeout

	scenarios, err := t.load(*file, *dir)
	if err != nil {
		return err
	}
	if *list {
		t.list(scenarios)
		return nil
	}

	if err := probeKVM(); err != nil {
		return err
	}
	h, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var bar *progressbar.ProgressBar
	if t.colour && len(scenarios) > 1 {
		bar = progressbar.NewOptions(len(scenarios),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scenarios"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	failed := 0
	for _, sc := range scenarios {
		if t.timeout > 0 {
			sc.Timeout = scenario.Duration(t.timeout)
		}

		runner := &scenario.Runner{Hypervisor: h, Layout: guest.DefaultLayout()}
		var scr *console.Screen
		if t.screen {
			scr = console.NewScreen()
			runner.Sink = scr
		}

		r, err := runner.Run(ctx, sc)

		if bar != nil {
			_ = bar.Clear()
		}
		if !t.report(r, err, scr) {
			failed++
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Fprintf(t.out, "%d passed, %d failed\n", len(scenarios)-failed, failed)
	if failed > 0 {
		return errFailed
	}
	return nil
}

func main() {
	t := &trapgate{}
	if err := t.Main(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "trapgate: %v\n", err)
		}
		os.Exit(1)
	}
}

package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/console"
	"github.com/tinyrange/trapgate/internal/guest"
	"github.com/tinyrange/trapgate/internal/hv"
)

// Body returns the guest code for the scenario's program. Each body prints
// the test name, triggers its exception and then prints a marker that only
// appears if control came back.
func (s *Scenario) Body() (asm.Fragment, error) {
	switch s.Program {
	case ProgramBoot:
		return guest.SerialPrint("booted ok!\n"), nil
	case ProgramDivideByZero:
		return asm.Group{
			guest.SerialPrint("divide_by_zero... "),
			guest.DivideByZero(),
			guest.SerialPrint("[test did not panic]\n"),
			guest.ExitFailed(),
		}, nil
	case ProgramPageFault:
		return asm.Group{
			guest.SerialPrint("page_fault... "),
			guest.WriteTo(s.FaultAddress),
			guest.SerialPrint("[test did not panic]\n"),
			guest.ExitFailed(),
		}, nil
	case ProgramBreakpoint:
		return asm.Group{
			guest.SerialPrint("breakpoint... "),
			guest.Breakpoint(),
			guest.SerialPrint("[ok]\n"),
		}, nil
	case ProgramInvalidOpcode:
		return asm.Group{
			guest.SerialPrint("invalid_opcode... "),
			guest.InvalidOpcode(),
			guest.SerialPrint("[test did not panic]\n"),
			guest.ExitFailed(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown program %q", ErrInvalidScenario, s.Program)
	}
}

// AssertionError is one unmet expectation.
type AssertionError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

// Report is the outcome of one scenario.
type Report struct {
	Scenario *Scenario
	Result   guest.Result
	Failures []error
	Duration time.Duration
}

func (r Report) Passed() bool { return len(r.Failures) == 0 }

// Runner runs scenarios on one hypervisor.
type Runner struct {
	Hypervisor hv.Hypervisor
	Layout     guest.Layout
	// Sink also receives each run's output. It may be nil.
	Sink console.Sink
}

// Run runs sc with the default layout.
func Run(ctx context.Context, h hv.Hypervisor, sc *Scenario) (Report, error) {
	r := &Runner{Hypervisor: h, Layout: guest.DefaultLayout()}
	return r.Run(ctx, sc)
}

// Run boots sc and checks its expectations. The error is non-nil only when
// the guest could not be built or run to a stop; unmet expectations are
// reported in Report.Failures.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (Report, error) {
	report := Report{Scenario: sc}

	body, err := sc.Body()
	if err != nil {
		return report, err
	}
	m, err := guest.NewMachine(r.Hypervisor, guest.Config{
		Layout: r.Layout,
		Body:   body,
		Sink:   r.Sink,
	})
	if err != nil {
		return report, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, sc.Timeout.Duration())
	defer cancel()

	start := time.Now()
	res, err := m.Run(ctx)
	report.Duration = time.Since(start)
	report.Result = res
	if err != nil {
		return report, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	report.Failures = Check(sc.Expect, res)
	slog.Debug("scenario finished",
		"name", sc.Name,
		"passed", report.Passed(),
		"duration", report.Duration,
	)
	return report, nil
}

// Check compares a run result against expect.
func Check(expect Expectation, res guest.Result) []error {
	var errs []error

	actual := OutcomeHalt
	if res.Exited {
		actual = OutcomeExit
	}
	if actual != expect.Outcome {
		errs = append(errs, &AssertionError{Field: "outcome", Expected: expect.Outcome, Actual: actual})
	}
	if expect.ExitCode != nil && res.Exited && res.ExitCode != *expect.ExitCode {
		errs = append(errs, &AssertionError{
			Field:    "exit_code",
			Expected: fmt.Sprintf("0x%x", *expect.ExitCode),
			Actual:   fmt.Sprintf("0x%x", res.ExitCode),
		})
	}

	for _, want := range expect.Contains {
		if !strings.Contains(res.Output, want) {
			errs = append(errs, &AssertionError{
				Field:    "output",
				Expected: fmt.Sprintf("contains %q", want),
				Actual:   truncate(res.Output, 200),
			})
		}
	}
	for _, bad := range expect.Absent {
		if strings.Contains(res.Output, bad) {
			errs = append(errs, &AssertionError{
				Field:    "output",
				Expected: fmt.Sprintf("no %q", bad),
				Actual:   truncate(res.Output, 200),
			})
		}
	}

	if expect.Vectors != nil {
		got := make([]uint8, 0, len(res.Events))
		for _, ev := range res.Events {
			got = append(got, uint8(ev.Vector))
		}
		if !slices.Equal(got, expect.Vectors) {
			errs = append(errs, &AssertionError{Field: "vectors", Expected: expect.Vectors, Actual: got})
		}
	}
	return errs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%q...", s[:n])
}

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"minireload/internal/boundary"
	"minireload/internal/invoke"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	runInterval time.Duration
	runCount    int
	runSafe     bool
)

var (
	awesomeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)  // Green
	awfulStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true) // Red
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))            // Grey
)

// runCmd calls one function of a source file in a loop
var runCmd = &cobra.Command{
	Use:   "run FILE FUNC [ARGS...]",
	Short: "Call a function in a loop, reloading its file before every call",
	Long: `Calls FUNC from the Go source FILE over and over. Every call first reloads
FILE (and the units it imports) when they changed. Extra arguments are passed
to FUNC as strings.

Example:
  minireload run ./impl.go Update --watch .:r`,
	Args: cobra.MinimumNArgs(2),
	RunE: runLoop,
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", 100*time.Millisecond, "Pause between calls")
	runCmd.Flags().IntVar(&runCount, "count", 0, "Stop after this many calls (0 runs until interrupted)")
	runCmd.Flags().BoolVar(&runSafe, "safe", false, "Refresh every watched unit before each call, not just FILE")
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, closeEngine, err := openEngine(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeEngine()

	cfg := appConfig.InvokeConfig()
	// The loop prints failures itself.
	cfg.Handler = func(*boundary.ErrorInfo) {}
	newReloader := invoke.NewWrappingReloader
	if runSafe {
		newReloader = invoke.NewSafeReloader
	}
	w, err := newReloader(eng, args[0], args[1], cfg)
	if err != nil {
		return err
	}

	callArgs := make([]any, 0, len(args)-2)
	for _, a := range args[2:] {
		callArgs = append(callArgs, a)
	}
	return loop(ctx, cmd.OutOrStdout(), w, callArgs)
}

func loop(ctx context.Context, out io.Writer, w *invoke.WrappingReloader, args []any) error {
	for i := 0; runCount == 0 || i < runCount; i++ {
		if ctx.Err() != nil {
			return nil
		}
		res := w.Call(args...)
		if res.OK() {
			fmt.Fprintln(out, awesomeStyle.Render("Everything is awesome:"), formatValues(res.Value))
		} else {
			fmt.Fprintln(out, awfulStyle.Render("Everything is awful:"), res.Failure.Error())
			if verbose && res.Failure.Trace != "" {
				fmt.Fprintln(out, dimStyle.Render(res.Failure.Trace))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(runInterval):
		}
	}
	return nil
}

func formatValues(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}

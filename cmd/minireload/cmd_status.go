package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"minireload/internal/config"
	"minireload/internal/engine"
	"minireload/internal/source"
	"minireload/internal/unit"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusTrace bool

// statusCmd loads every unit once and reports the result
var statusCmd = &cobra.Command{
	Use:   "status [DIR[:r]...]",
	Short: "Load every unit under the watched directories once and report",
	Long: `Loads every Go file under the watched directories (the config's roots, any
--watch flags and the DIR arguments) and prints one row per unit. The
command fails when any unit fails to load.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusTrace, "trace", false, "Print the stack of every failed unit")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if appConfig == nil {
		appConfig = config.DefaultConfig()
	}
	for _, a := range args {
		root, err := source.ParseRoot(a)
		if err != nil {
			return fmt.Errorf("invalid directory %q: %w", a, err)
		}
		appConfig.Watch = append(appConfig.Watch, root)
	}
	// A one-shot load has no use for filesystem notifications.
	appConfig.Mode = string(source.ModePoll)

	eng, closeEngine, err := openEngine(cmd.Context(), "")
	if err != nil {
		return err
	}
	defer closeEngine()

	start := time.Now()
	refreshed, refreshErr := eng.Refresh(engine.All())
	renderStatus(cmd.OutOrStdout(), eng.Units(), len(refreshed), time.Since(start))

	if refreshErr != nil {
		if statusTrace {
			printTraces(cmd.ErrOrStderr(), refreshErr)
		}
		return fmt.Errorf("some units failed to load")
	}
	return nil
}

func renderStatus(out io.Writer, units []*unit.Unit, loaded int, took time.Duration) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Unit", "Package", "Gen", "Size", "Modified", "Symbols", "Status"})

	failed := 0
	for _, u := range units {
		fp := u.Fingerprint()
		size, modified := "-", "-"
		if !fp.IsZero() {
			size = humanize.Bytes(uint64(fp.Size))
			modified = humanize.Time(fp.ModTime)
		}
		status := awesomeStyle.Render("ok")
		if err := u.Failure(); err != nil {
			failed++
			status = awfulStyle.Render(firstLine(err.Error()))
		} else if !u.Loaded() {
			status = dimStyle.Render("not loaded")
		}
		tbl.AppendRow(table.Row{u.ImportPath, u.Package(), u.Generation(), size, modified, u.Namespace().Len(), status})
	}

	tbl.AppendFooter(table.Row{
		fmt.Sprintf("%d units", len(units)), "", "", "", "",
		fmt.Sprintf("%d loaded", loaded),
		fmt.Sprintf("%d failed in %s", failed, took.Round(time.Millisecond)),
	})
	tbl.Render()
}

func printTraces(out io.Writer, err error) {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var rerr *unit.ReloadError
		if errors.As(e, &rerr) {
			fmt.Fprintf(out, "%s\n%s\n", awfulStyle.Render(rerr.Error()), rerr.Trace())
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

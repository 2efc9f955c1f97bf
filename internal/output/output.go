// Package output prints CLI messages and tables.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/uesteibar/opsdeck/internal/runlog"
)

// UI writes colored status lines to Out and problems to ErrOut.
type UI struct {
	Out    io.Writer
	ErrOut io.Writer
}

func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	logPrefix     = color.New(color.FgHiBlack).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

func Cyan(s string) string { return cyan(s) }

// StatusColor colors an issue or run status.
func StatusColor(status string) string {
	switch status {
	case "open":
		return green(status)
	case "ai_running", "running":
		return yellow(status)
	case "pr_created", "SUCCESS":
		return cyan(status)
	case "closed", "FAILED":
		return red(status)
	default:
		return status
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

// RunLog returns a sink that prints a run's lines as they arrive. The
// terminal record is left to the caller, which prints the outcome.
func (u *UI) RunLog() runlog.Sink {
	return runlog.SinkFunc(func(r runlog.Record) {
		if r.Terminal() || r.Message == "" {
			return
		}
		msg := r.Message
		switch r.Level {
		case runlog.LevelWarn:
			msg = yellow(msg)
		case runlog.LevelError:
			msg = red(msg)
		}
		fmt.Fprintf(u.Out, "%s %s\n", logPrefix, msg)
	})
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

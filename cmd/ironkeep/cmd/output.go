package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

func printSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func printFailure(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.RedString("✗"), fmt.Sprintf(format, args...))
}

func printInfo(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.CyanString("→"), fmt.Sprintf(format, args...))
}

func printWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.YellowString("!"), fmt.Sprintf(format, args...))
}

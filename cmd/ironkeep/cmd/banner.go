package cmd

import (
	"io"

	"github.com/fatih/color"
)

const banner = `
  _____                _  __
 |_   _|              | |/ /
   | |  _ __ ___  _ __| ' / ___  ___ _ __
   | | | '__/ _ \| '_ \  < / _ \/ _ \ '_ \
  _| |_| | | (_) | | | | . \  __/  __/ |_) |
 |_____|_|  \___/|_| |_|_|\_\___|\___| .__/
                                     | |
                                     |_|
`

func printBanner(w io.Writer) {
	color.New(color.FgBlue).Fprint(w, banner)
	color.New(color.FgGreen).Fprintf(w, "  Master Key Vault - Version %s\n\n", Version)
}

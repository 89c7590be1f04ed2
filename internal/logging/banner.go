package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`  ____                _             _____                   `,
	` / ___|  ___  ___ ___(_) ___  _ __ |  ___|__  _ __ __ _  ___ `,
	` \___ \ / _ \/ __/ __| |/ _ \| '_ \| |_ / _ \| '__/ _` + "`" + ` |/ _ \`,
	`  ___) |  __/\__ \__ \ | (_) | | | |  _| (_) | | | (_| |  __/`,
	` |____/ \___||___/___/_|\___/|_| |_|_|  \___/|_|  \__, |\___|`,
	`                                                   |___/     `,
}

// PrintBanner prints the ASCII art logo, version, and listen address to
// stderr. Colors are used only when stderr is a TTY.
func PrintBanner(ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n", dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

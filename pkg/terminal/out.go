package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack     = 30
	ansiBlue      = 34
	ansiWhite     = 37
	ansiBrBlack   = 90
	ansiBrWhite   = 97
	defaultColour = ansiBlue
)

// isDumb returns true if the output should carry no escape sequences,
// either because TERM says so or because stdout is not a terminal.
func isDumb() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}

func getColorableWriter(dumb bool) io.Writer {
	if dumb {
		return colorable.NewNonColorable(os.Stdout)
	}
	return colorable.NewColorableStdout()
}

// validColor returns c if it is one of the 3/4 bit foreground colors, the
// default color otherwise.
func validColor(c int) int {
	if (c > ansiWhite && c < ansiBrBlack) || c < ansiBlack || c > ansiBrWhite {
		return defaultColour
	}
	return c
}

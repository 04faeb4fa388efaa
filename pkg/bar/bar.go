package bar

import (
	"fmt"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

// New returns a frame counting bar. A negative length gives a spinner.
func New(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Describe sets the bar text to the traffic counters.
func Describe(b *progressbar.ProgressBar, sent, received, dropped uint64) {
	desc := fmt.Sprintf("[cyan]tx[reset] %d [cyan]rx[reset] %d", sent, received)
	if dropped > 0 {
		desc += fmt.Sprintf(" [red]dropped[reset] %d", dropped)
	}
	b.Describe(desc)
}

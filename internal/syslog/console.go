package syslog

import (
	"io"

	"github.com/rs/zerolog"
)

func zerologConsole(w io.Writer) io.Writer {
	return zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = w
		cw.NoColor = true
	})
}

//go:build !windows && !plan9

package syslog

import (
	"log/syslog"
	"strings"
)

// LogWriter forwards formatted zerolog output to the system logger.
type LogWriter struct {
	logger *syslog.Writer
}

func (sw *LogWriter) Write(p []byte) (n int, err error) {
	message := string(p)
	switch {
	case strings.Contains(message, "ERR"):
		err = sw.logger.Err(message)
	case strings.Contains(message, "WRN"):
		err = sw.logger.Warning(message)
	default:
		err = sw.logger.Info(message)
	}
	return len(p), err
}

// UseSystemLog routes L through the local syslog daemon under tag.
func UseSystemLog(tag string) error {
	sysWriter, err := syslog.New(syslog.LOG_INFO|syslog.LOG_LOCAL7, tag)
	if err != nil {
		return err
	}
	L.SetOutput(zerologConsole(&LogWriter{logger: sysWriter}))
	return nil
}

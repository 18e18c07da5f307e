//go:build windows || plan9

package syslog

import "errors"

// UseSystemLog is unavailable without a syslog daemon.
func UseSystemLog(tag string) error {
	return errors.New("system log is not supported on this platform")
}

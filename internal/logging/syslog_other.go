//go:build windows || plan9

package logging

import "errors"

func openSyslog(tag string) (priorityWriter, error) {
	return nil, errors.New("syslog is not available on this platform")
}

//go:build !windows && !plan9

package logging

import "log/syslog"

func openSyslog(tag string) (priorityWriter, error) {
	w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	return w, nil
}

package driver

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's internal logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

// newLogAdapter wraps logger for whatsmeow. The client library is chatty at
// info level, so its info lines are demoted to debug.
func newLogAdapter(logger *slog.Logger, module string) waLog.Logger {
	return &slogAdapter{logger: logger.With("module", module)}
}

func (a *slogAdapter) Errorf(msg string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Warnf(msg string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Infof(msg string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Debugf(msg string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: a.logger.With("module", module)}
}

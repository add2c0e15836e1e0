package logging

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

type waLogger struct {
	l *slog.Logger
}

// WhatsmeowLogger bridges the whatsmeow library logger onto slog.
// Debug output is dropped unless the default handler enables it.
func WhatsmeowLogger(l *slog.Logger, module string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return waLogger{l: l.With("module", module)}
}

func (w waLogger) Errorf(msg string, args ...interface{}) { w.l.Error(fmt.Sprintf(msg, args...)) }
func (w waLogger) Warnf(msg string, args ...interface{})  { w.l.Warn(fmt.Sprintf(msg, args...)) }
func (w waLogger) Infof(msg string, args ...interface{})  { w.l.Info(fmt.Sprintf(msg, args...)) }
func (w waLogger) Debugf(msg string, args ...interface{}) { w.l.Debug(fmt.Sprintf(msg, args...)) }

func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{l: w.l.With("module", module)}
}

package multidex

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// Logger receives diagnostics from installation and extraction. The
// default writes through charmbracelet/log; route messages elsewhere with
// WithLogger or ExtractorWithLogger.
type Logger interface {
	Logf(format string, args ...any)
	Errorf(err error, format string, args ...any)
}

func defaultLogger() Logger {
	return &charmLogger{
		l: log.NewWithOptions(os.Stderr, log.Options{Prefix: "multidex"}),
	}
}

type charmLogger struct {
	l *log.Logger
}

func (c *charmLogger) Logf(format string, args ...any) {
	c.l.Infof(format, args...)
}

func (c *charmLogger) Errorf(err error, format string, args ...any) {
	c.l.Error(fmt.Sprintf(format, args...), "err", err)
}

type nopLogger struct{}

func (nopLogger) Logf(string, ...any)          {}
func (nopLogger) Errorf(error, string, ...any) {}

var (
	_ Logger = (*charmLogger)(nil)
	_ Logger = nopLogger{}
)

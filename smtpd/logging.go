package smtpd

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// LogConfig specifies configuration for logging
type LogConfig struct {
	File           string // a file to log to
	FileMode       string // file mode
	SyslogFacility string // a syslog facility name - set to enable syslog
	Level          string // logrus level name, defaults to "info"
}

// facilityMap maps textual syslog facility names to syslog priorities.
var facilityMap = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"mail":     syslog.LOG_MAIL,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"lpr":      syslog.LOG_LPR,
	"news":     syslog.LOG_NEWS,
	"uucp":     syslog.LOG_UUCP,
	"cron":     syslog.LOG_CRON,
	"authpriv": syslog.LOG_AUTHPRIV,
	"ftp":      syslog.LOG_FTP,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

// SyslogHook is a logrus.Hook that forwards entries to syslog at the
// configured facility, mapping logrus levels onto syslog severities
// by reading entry.Level directly, rather than scraping a level
// prefix back out of formatted text.
type SyslogHook struct {
	w *syslog.Writer
}

// NewSyslogHook opens a syslog connection at the given facility
// (defaulting to LOG_DAEMON for an unrecognized name) tagged "goms".
func NewSyslogHook(facility string) (*SyslogHook, error) {
	f := syslog.LOG_DAEMON
	if ff, ok := facilityMap[facility]; ok {
		f = ff
	}
	w, err := syslog.New(f|syslog.LOG_INFO, "goms")
	if err != nil {
		return nil, err
	}
	return &SyslogHook{w: w}, nil
}

func (h *SyslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *SyslogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	switch entry.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.w.Emerg(line)
	case logrus.ErrorLevel:
		return h.w.Err(line)
	case logrus.WarnLevel:
		return h.w.Warning(line)
	case logrus.InfoLevel:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

// Close releases the underlying syslog connection.
func (h *SyslogHook) Close() error {
	return h.w.Close()
}

// GetLogger builds the *logrus.Logger described by c.Logging: a
// destination (file, syslog, or stderr) and a level. The returned
// io.Closer, if non-nil, must be closed when the logger is replaced
// or the process shuts down.
func (c *Config) GetLogger() (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if c.Logging.Level != "" {
		if l, err := logrus.ParseLevel(c.Logging.Level); err == nil {
			level = l
		}
	}
	logger.SetLevel(level)

	if c.Logging.File != "" {
		mode := os.FileMode(0644)
		if c.Logging.FileMode != "" {
			i, err := strconv.ParseInt(c.Logging.FileMode, 8, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("cannot parse file logging mode: %v", err)
			}
			mode = os.FileMode(i)
		}
		file, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if err != nil {
			return nil, nil, err
		}
		logger.SetOutput(file)
		return logger, file, nil
	}

	if c.Logging.SyslogFacility != "" {
		hook, err := NewSyslogHook(c.Logging.SyslogFacility)
		if err != nil {
			return nil, nil, err
		}
		logger.SetOutput(io.Discard)
		logger.AddHook(hook)
		return logger, hook, nil
	}

	logger.SetOutput(os.Stderr)
	return logger, nil, nil
}

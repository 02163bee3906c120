// Package storelog is the manager-level logging façade: a small Sink
// interface plus a logrus adapter, so callers can inject their own
// logger instead of relying on logrus's package-level global.
package storelog

import (
	log "github.com/sirupsen/logrus"
)

// Sink receives manager-level events at one of four severities. Debug
// and Info are informational; Warning marks a handled condition (the
// manager logs the deletion of a corrupt database file found at
// bootstrap at this level); Fatal marks an unrecoverable failure, and
// the logrus adapter's Fatalf exits the process.
type Sink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Config mirrors mainboilerplate's LogConfig tagging convention: a level
// and an output format, both settable via flag or environment variable.
type Config struct {
	Level  string `long:"log-level" env:"LOG_LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// logrusSink adapts a logrus.FieldLogger to Sink.
type logrusSink struct {
	logger log.FieldLogger
}

// NewLogrusSink builds a Sink over logger, tagging every line with
// component=litestore.
func NewLogrusSink(logger log.FieldLogger) Sink {
	return &logrusSink{logger: logger.WithField("component", "litestore")}
}

func (s *logrusSink) Debugf(format string, args ...interface{})   { s.logger.Debugf(format, args...) }
func (s *logrusSink) Infof(format string, args ...interface{})    { s.logger.Infof(format, args...) }
func (s *logrusSink) Warningf(format string, args ...interface{}) { s.logger.Warnf(format, args...) }
func (s *logrusSink) Fatalf(format string, args ...interface{})   { s.logger.Fatalf(format, args...) }

// Init configures logrus's global logger from cfg and returns a Sink
// bound to it, mirroring mainboilerplate.InitLog's level/format wiring.
func Init(cfg Config) Sink {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Warn("unrecognized log level, defaulting to info")
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(lvl)
	}

	return NewLogrusSink(log.StandardLogger())
}

// nopSink discards every call; used as Options' default Log when the
// caller does not inject one.
type nopSink struct{}

func (nopSink) Debugf(string, ...interface{})   {}
func (nopSink) Infof(string, ...interface{})    {}
func (nopSink) Warningf(string, ...interface{}) {}
func (nopSink) Fatalf(string, ...interface{})   {}

// Nop is a Sink that discards everything.
var Nop Sink = nopSink{}

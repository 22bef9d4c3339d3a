// Package logging builds the structured logging facility the core is an
// external collaborator of: a logrus.Logger writing an append-only,
// date-named, size-rotated log file, in the teacher's manner (cmd/trader/main.go's
// logrus.JSONFormatter) enriched with the rotation the wider pack reaches
// for (rahjooh-CryptoTrade/logger/logger.go's lumberjack-backed writer).
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level    string
	Format   string // "json" or "text"
	Dir      string // log file written under this directory; empty disables file output
	Name     string // logger_name in <logger_name>.<YYYY-MM-DD>.log
	MaxAgeDays int
}

// New builds a *logrus.Logger per Config. When Dir is set, output is
// written to <name>.<YYYY-MM-DD>.log via lumberjack, in addition to stderr.
// The date in the name is the UTC date on which New runs; the file is not
// renamed or switched at midnight, and lumberjack rotates it by size
// (100 MB) only.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	if cfg.Dir == "" {
		logger.SetOutput(os.Stderr)
		return logger, nil
	}

	name := cfg.Name
	if name == "" {
		name = "fundingarb"
	}
	filename := filepath.Join(cfg.Dir, fmt.Sprintf("%s.%s.log", name, time.Now().UTC().Format("2006-01-02")))
	rotator := &lumberjack.Logger{
		Filename: filename,
		MaxAge:   maxAge(cfg.MaxAgeDays),
		MaxSize:  100,
		Compress: true,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return logger, nil
}

func maxAge(days int) int {
	if days <= 0 {
		return 14
	}
	return days
}

// Component returns a child entry tagged with the owning component name,
// the way gregtusar-Basis/pkg/trader/basis_trader.go tags entries with
// logrus.Fields{"strategy_id": ...}.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

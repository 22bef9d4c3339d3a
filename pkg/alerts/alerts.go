// Package alerts declares the narrow seam the Risk Controller and Monitor
// notify through. Multi-channel fan-out logic (email, Slack, PagerDuty,
// ...) is an explicit Non-goal of spec.md §1 — it is an external
// collaborator the core calls through an interface, never implements.
// This package provides that interface plus a structured-logging
// implementation grounded on internal/logging's logrus convention, so the
// seam is always wired to something observable even with no external
// notifier configured.
package alerts

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one notification fan-out event.
type Alert struct {
	Severity Severity
	Source   string
	Message  string
	At       time.Time
}

// Dispatcher is the multi-channel notification fan-out contract spec.md §1
// names as an external collaborator. Implementations beyond the logging
// default (Slack, PagerDuty, email) are out of this module's scope.
type Dispatcher interface {
	Notify(a Alert)
}

// LogDispatcher is the default Dispatcher: structured log lines at a level
// matched to Severity, in the absence of any configured external channel.
type LogDispatcher struct {
	logger *logrus.Entry
}

func NewLogDispatcher(logger *logrus.Entry) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(a Alert) {
	entry := d.logger.WithFields(logrus.Fields{"source": a.Source, "severity": a.Severity, "at": a.At})
	switch a.Severity {
	case SeverityCritical:
		entry.Error(a.Message)
	case SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
}

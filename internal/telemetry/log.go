// Package telemetry carries this module's ambient observability concerns:
// structured logging via logrus and Prometheus metrics. Neither core
// (connection, syncer) logs or records metrics from its hot per-byte or
// per-request loops; both only do so at state-transition boundaries,
// matching the restraint shown by dwarri-gazette's append_fsm.go.
package telemetry

import (
	log "github.com/sirupsen/logrus"
)

// Log is the package-wide logger. Callers scope fields with WithField(s)
// rather than constructing new loggers, matching the teacher's convention.
var Log = log.StandardLogger()

// WithFields is a small convenience wrapper kept so call sites read the way
// dwarri-gazette's do: telemetry.WithFields(log.Fields{...}).Info("...").
func WithFields(fields log.Fields) *log.Entry {
	return Log.WithFields(fields)
}

// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package base provides the logging and external-process wrappers shared
// by every collaborator client (xenstore, hypervisor, storage, broker,
// builder-helper).
package base

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of logrus's leveled API every collaborator client
// depends on. Kept as an interface, rather than a concrete *logrus.Entry,
// so tests can substitute a silent or capturing implementation.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

type logObject struct {
	entry *logrus.Entry
}

// NewLogger builds a Logger around logrus, JSON-formatted in production
// and text-formatted when debug is set, matching // base.LogObject split between structured cloud reporting and local text
// output (trimmed here to the local text/JSON choice since there is no
// cloud-reporting collaborator in this spec).
func NewLogger(component string, debug bool) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if debug {
		l.SetLevel(logrus.TraceLevel)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return &logObject{entry: l.WithField("component", component)}
}

func (o *logObject) Tracef(format string, args ...interface{}) { o.entry.Tracef(format, args...) }
func (o *logObject) Debugf(format string, args ...interface{}) { o.entry.Debugf(format, args...) }
func (o *logObject) Infof(format string, args ...interface{})  { o.entry.Infof(format, args...) }
func (o *logObject) Warnf(format string, args ...interface{})  { o.entry.Warnf(format, args...) }
func (o *logObject) Errorf(format string, args ...interface{}) { o.entry.Errorf(format, args...) }
func (o *logObject) Fatalf(format string, args ...interface{}) { o.entry.Fatalf(format, args...) }

func (o *logObject) WithField(key string, value interface{}) Logger {
	return &logObject{entry: o.entry.WithField(key, value)}
}

func (o *logObject) WithFields(fields map[string]interface{}) Logger {
	return &logObject{entry: o.entry.WithFields(fields)}
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"log"
	"os"
)

// LogLevel is an enumeration representing the supported log severity levels.
//
// The ordering matters: a LogSink receives the level as an int with Info as 0
// and Debug as 1, which matches the convention used by logr-style sinks.
type LogLevel int

const (
	// LogLevelOff suppresses logging.
	LogLevelOff LogLevel = iota

	// LogLevelInfo enables logging of informational messages. These logs are high-level
	// information about normal topology behavior.
	LogLevelInfo

	// LogLevelDebug enables logging of debug messages. These logs can be voluminous and contain
	// detail such as individual heartbeat results and rejected topology observations.
	LogLevelDebug
)

// diffToInfo is the number of levels that come before Info, so that Info is
// passed to the sink as 0.
const diffToInfo = 1

// LogComponent is an enumeration representing the components that log.
type LogComponent int

const (
	// LogComponentAll enables logging for all components.
	LogComponentAll LogComponent = iota

	// LogComponentSDAM enables topology and server monitoring logging.
	LogComponentSDAM

	// LogComponentConnection enables connection and pool logging.
	LogComponentConnection

	// LogComponentServerSelection enables server selection logging.
	LogComponentServerSelection
)

// LogSink is an interface that can be implemented to provide a custom sink
// for the topology's logs. The first argument is the log level with Info as 0
// and Debug as 1; the remaining arguments are alternating key-value pairs.
type LogSink interface {
	Info(int, string, ...interface{})
}

type osSink struct {
	log *log.Logger
}

func newOSSink() *osSink {
	return &osSink{log: log.New(os.Stderr, "", log.LstdFlags)}
}

func (s *osSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	kvs := ""
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		kvs += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	s.log.Print(msg + kvs)
}

// logger dispatches messages to a LogSink, filtered per component. The zero
// value discards everything.
type logger struct {
	sink            LogSink
	componentLevels map[LogComponent]LogLevel
}

func newLogger(sink LogSink, componentLevels map[LogComponent]LogLevel) *logger {
	if len(componentLevels) == 0 {
		return &logger{}
	}
	if sink == nil {
		sink = newOSSink()
	}
	return &logger{sink: sink, componentLevels: componentLevels}
}

// enabled reports whether a message of the given level for the given component
// should be sent to the sink.
func (l *logger) enabled(component LogComponent, level LogLevel) bool {
	if l == nil || l.sink == nil {
		return false
	}
	if max, ok := l.componentLevels[component]; ok && max >= level {
		return true
	}
	if max, ok := l.componentLevels[LogComponentAll]; ok && max >= level {
		return true
	}
	return false
}

func (l *logger) print(component LogComponent, level LogLevel, msg string, keysAndValues ...interface{}) {
	if !l.enabled(component, level) {
		return
	}
	l.sink.Info(int(level)-diffToInfo, msg, keysAndValues...)
}

func (l *logger) info(component LogComponent, msg string, keysAndValues ...interface{}) {
	l.print(component, LogLevelInfo, msg, keysAndValues...)
}

func (l *logger) debug(component LogComponent, msg string, keysAndValues ...interface{}) {
	l.print(component, LogLevelDebug, msg, keysAndValues...)
}

// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	log "github.com/golang/glog"
)

// Logger receives the output of long-running remote commands, one line at
// a time, tagged with the name the command was started under.
type Logger interface {
	Log(name string, line string)
	Close()
}

// GlogLogger forwards lines to glog at verbosity level V.
type GlogLogger struct {
	V       log.Level
	Pattern *regexp.Regexp // If non-nil, only matching lines are logged.
}

// Log implements Logger.
func (g *GlogLogger) Log(name, line string) {
	if g.Pattern != nil && !g.Pattern.MatchString(line) {
		return
	}
	log.V(g.V).Infof("%s: %s", name, line)
}

// Close implements Logger.
func (g *GlogLogger) Close() {}

// FileLogger appends lines to a file on the harness host, stamped with the
// time they arrived so they can be lined up with the harness log.
type FileLogger struct {
	lock sync.Mutex
	file *os.File
	now  func() time.Time
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, now: time.Now}, nil
}

// Log implements Logger.
func (f *FileLogger) Log(name, line string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.file == nil {
		return
	}
	fmt.Fprintf(f.file, "%s %s: %s\n", f.now().Format("15:04:05.000000"), name, line)
}

// Close implements Logger. Lines logged afterwards are dropped.
func (f *FileLogger) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// LogDemuxer is a Writer that cuts a command's output into lines and hands
// each complete line to every Logger. A trailing partial line is held until
// the rest of it arrives.
type LogDemuxer struct {
	name    string
	loggers []Logger

	lock    sync.Mutex
	partial []byte
}

// NewLogDemuxer creates a LogDemuxer with the given name and loggers.
func NewLogDemuxer(name string, loggers []Logger) *LogDemuxer {
	return &LogDemuxer{name: name, loggers: loggers}
}

// Write implements io.Writer.
func (l *LogDemuxer) Write(s []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	data := append(l.partial, s...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		for _, logger := range l.loggers {
			logger.Log(l.name, line)
		}
		data = data[i+1:]
	}
	l.partial = append([]byte(nil), data...)
	return len(s), nil
}

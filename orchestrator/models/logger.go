package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// JobLogger appends NDJSON log lines for a single job to a file. Data
// lines carry container output; control lines mark step transitions.
type JobLogger struct {
	file    *os.File
	encoder *json.Encoder
}

func NewJobLogger(baseDir string, jid JobId) (*JobLogger, error) {
	path := LogFilePath(baseDir, jid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &JobLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, jid JobId) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", jid.String()))
}

func (l *JobLogger) Close() error {
	return l.file.Close()
}

type LogLine struct {
	Kind   string    `json:"kind"` // "data" or "control"
	Step   int       `json:"step"`
	Stream string    `json:"stream,omitempty"`
	Line   string    `json:"line,omitempty"`
	Name   string    `json:"name,omitempty"`
	Status string    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
}

// Control records a step transition (started, succeeded, failed).
func (l *JobLogger) Control(idx int, name, status string) error {
	return l.encoder.Encode(LogLine{
		Kind:   "control",
		Step:   idx,
		Name:   name,
		Status: status,
		Time:   time.Now().UTC(),
	})
}

// DataWriter returns a writer that logs each written chunk as one
// data line on the given stream.
func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{logger: l, idx: idx, stream: stream}
}

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	err := w.logger.encoder.Encode(LogLine{
		Kind:   "data",
		Step:   w.idx,
		Stream: w.stream,
		Line:   line,
		Time:   time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

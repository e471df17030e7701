package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
)

const stdoutDest = "stdout"

// LogSink writes changes either as structured log lines ("stdout") or as
// NDJSON appended to a file.
type LogSink struct {
	dst string
	mu  sync.Mutex
	f   *os.File
}

// NewLogSink reads its destination from CHANGES_LOG_PATH.
func NewLogSink() *LogSink {
	return &LogSink{dst: getEnvOr("CHANGES_LOG_PATH", stdoutDest)}
}

func (s *LogSink) Start(ctx context.Context) error {
	if s.dst == stdoutDest {
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open change log %s: %w", s.dst, err)
	}
	s.mu.Lock()
	s.f = f
	s.mu.Unlock()
	return nil
}

func (s *LogSink) Enqueue(c history.Change) error {
	if s.dst == stdoutDest {
		log.WithFields(log.Fields{
			"change_id":   c.ID,
			"client":      c.Client,
			"ip":          c.IP,
			"previous_ip": c.PreviousIP,
			"source":      c.Source,
			"date":        c.Date,
		}).Info("ip changed")
		return nil
	}

	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize change: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("change log %s is not open", s.dst)
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("failed to write change: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *LogSink) Name() string { return "log" }

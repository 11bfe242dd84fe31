// Package output delivers detection records produced by actions to the
// configured sinks. The record format is owned here; the tracking core only
// hands items to actions and actions decide what to emit.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/lixiao1981/evm-track/internal/config"
)

// Severity levels for detection records.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Record is one detection emitted by an action.
type Record struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Action    string            `json:"action"`
	Severity  string            `json:"severity"`
	Name      string            `json:"name,omitempty"`
	Address   string            `json:"address,omitempty"`
	Block     uint64            `json:"block,omitempty"`
	TxHash    string            `json:"tx_hash,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Message   string            `json:"message,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// NewRecord stamps a record with a fresh ID and timestamp.
func NewRecord(kind, action string) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Action:    action,
		Severity:  SeverityInfo,
		Fields:    map[string]string{},
	}
}

// Sink receives detection records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Multi fans one record out to several sinks; a failing sink is logged and
// skipped so one bad destination never silences the others.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti wraps sinks in a fan-out. An empty sink list is valid and
// discards everything.
func NewMulti(sinks []Sink, logger *slog.Logger) *Multi {
	return &Multi{sinks: sinks, logger: logger.With("component", "output")}
}

// Write delivers rec to every sink.
func (m *Multi) Write(ctx context.Context, rec Record) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			m.logger.Warn("sink write failed", "error", err)
		}
	}
	return nil
}

// Close closes every sink, returning the first error.
func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Sink = (*Multi)(nil)

// ConsoleSink writes records to a writer, either as human-readable lines or
// as JSON.
type ConsoleSink struct {
	w        io.Writer
	jsonMode bool
}

// NewConsoleSink writes to stdout. format is "text" or "json".
func NewConsoleSink(format string) *ConsoleSink {
	return &ConsoleSink{w: os.Stdout, jsonMode: format == "json"}
}

func (s *ConsoleSink) Write(_ context.Context, rec Record) error {
	if s.jsonMode {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(s.w, string(data))
		return err
	}
	_, err := fmt.Fprintf(s.w, "[%s] %s %s %s block=%d tx=%s %s\n",
		rec.Timestamp.Format(time.RFC3339), rec.Severity, rec.Action, rec.Kind,
		rec.Block, rec.TxHash, rec.Message)
	return err
}

func (s *ConsoleSink) Close() error { return nil }

var _ Sink = (*ConsoleSink)(nil)

// Build constructs the configured sinks and wraps them in a Multi.
func Build(cfgs []config.OutputConfig, logger *slog.Logger) (*Multi, error) {
	var sinks []Sink
	for i, oc := range cfgs {
		sink, err := buildOne(oc, logger)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, fmt.Errorf("outputs[%d] (%s): %w", i, oc.Type, err)
		}
		sinks = append(sinks, sink)
	}
	return NewMulti(sinks, logger), nil
}

func buildOne(oc config.OutputConfig, logger *slog.Logger) (Sink, error) {
	switch oc.Type {
	case "console":
		return NewConsoleSink(oc.Format), nil
	case "file":
		return NewFileSink(oc.Path, oc.RotateSizeMB)
	case "webhook":
		return NewWebhookSink(oc.URL), nil
	case "kafka":
		return NewKafkaSink(oc.Brokers, oc.Topic)
	case "nats":
		return NewNATSSink(oc.NATSURL, oc.Subject)
	case "websocket":
		return NewWebsocketSink(oc.ListenAddr, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", oc.Type)
	}
}

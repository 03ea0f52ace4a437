package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
	"github.com/drblury/assignflow/internal/runtime/stats"
	"github.com/drblury/assignflow/transport"
)

// DeadLetter is the record appended to the dead-letter topic for an entry
// that could not be decoded or whose handler failed.
type DeadLetter struct {
	Topic        string          `json:"topic"`
	Group        string          `json:"group"`
	Consumer     string          `json:"consumer"`
	EntryID      string          `json:"entry_id"`
	AssignmentID string          `json:"assignment_id,omitempty"`
	Type         assignment.Type `json:"type,omitempty"`
	Reason       string          `json:"reason"`
	Error        string          `json:"error"`
	Deliveries   int64           `json:"deliveries"`
	FailedAt     time.Time       `json:"failed_at"`
	// Data is the original entry payload, verbatim.
	Data string `json:"data"`
}

// DecodeDeadLetter parses a record read from the dead-letter topic.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := jsoncodec.Unmarshal(data, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}

type deadLetterSink struct {
	store   transport.Store
	topic   string
	metrics *stats.DeadLetterMetrics
}

func (s *deadLetterSink) enabled() bool {
	return s != nil && s.topic != ""
}

// send appends dl and records it. age is negative when the dispatch time is
// unknown.
func (s *deadLetterSink) send(ctx context.Context, dl DeadLetter, age time.Duration) error {
	if !s.enabled() {
		return nil
	}
	s.metrics.Record(dl.Topic, dl.Reason, dl.Deliveries, age)

	data, err := jsoncodec.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter for %s: %w", dl.EntryID, err)
	}
	if _, err := s.store.Append(ctx, s.topic, data); err != nil {
		return fmt.Errorf("append dead letter for %s to %s: %w", dl.EntryID, s.topic, err)
	}
	return nil
}

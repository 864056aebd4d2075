// Package ledger persists one summary row per relayed call.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/relay"
)

// CallRecord is the stored form of a finished call. It carries counters only,
// never audio or transcript content.
type CallRecord struct {
	CallID       string
	StreamSID    string
	CallSID      string
	AccountSID   string
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    string
	GreetingSent bool

	FramesForwarded  int64
	FramesBuffered   int64
	FramesDropped    int64
	FramesOutOfOrder int64
	MalformedEvents  int64
	AudioDeltas      int64
	DeltasDropped    int64
	MarksSent        int64
	MarksAcked       int64
	BargeIns         int64
	OutboundDropped  int64
}

// Store records finished calls.
type Store interface {
	RecordCall(ctx context.Context, rec CallRecord) error
	Close() error
}

// RecordFromSummary converts a relay summary into a ledger row.
func RecordFromSummary(s relay.Summary) CallRecord {
	return CallRecord{
		CallID:           s.CallID,
		StreamSID:        s.StreamID,
		CallSID:          s.CallSID,
		AccountSID:       s.AccountSID,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		EndReason:        s.EndReason,
		GreetingSent:     s.GreetingSent,
		FramesForwarded:  s.Stats.FramesForwarded,
		FramesBuffered:   s.Stats.FramesBuffered,
		FramesDropped:    s.Stats.FramesDropped,
		FramesOutOfOrder: s.Stats.FramesOutOfOrder,
		MalformedEvents:  s.Stats.MalformedEvents,
		AudioDeltas:      s.Stats.AudioDeltas,
		DeltasDropped:    s.Stats.DeltasDropped,
		MarksSent:        s.Stats.MarksSent,
		MarksAcked:       s.Stats.MarksAcked,
		BargeIns:         s.Stats.BargeIns,
		OutboundDropped:  s.Stats.OutboundDropped,
	}
}

// NopStore discards records. It is used when no database is configured.
type NopStore struct{}

func (NopStore) RecordCall(context.Context, CallRecord) error { return nil }
func (NopStore) Close() error                                 { return nil }

// Open returns a Postgres store for databaseURL, or a NopStore when the URL is
// empty.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NopStore{}, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

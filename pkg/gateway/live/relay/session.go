package relay

import "time"

type State int

const (
	StateInitializing State = iota
	StateAwaitingStart
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-call relay state. Only the relay loop touches it.
type Session struct {
	CallID     string
	StreamID   string
	CallSID    string
	AccountSID string

	// LatestMediaTimestamp is the caller's stream clock in ms; it never moves
	// backwards.
	LatestMediaTimestamp int64
	// PlaybackAnchor is LatestMediaTimestamp at the first audio delta of the
	// AI turn being played, nil when no turn is playing.
	PlaybackAnchor *int64
	ActiveItemID   string
	PendingMarks   []string

	AIReady        bool
	TelephonyReady bool
	State          State

	GreetingSent bool
	// TurnAudioDone is set once the AI has finished generating the active
	// item; the turn ends when its marks have all come back.
	TurnAudioDone bool

	StartedAt time.Time
	Stats     Stats
}

type Stats struct {
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

// Summary describes a finished call.
type Summary struct {
	CallID       string
	StreamID     string
	CallSID      string
	AccountSID   string
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    string
	GreetingSent bool
	Stats        Stats
}

func (s *Session) anchorPlayback() {
	if s.PlaybackAnchor != nil {
		return
	}
	ts := s.LatestMediaTimestamp
	s.PlaybackAnchor = &ts
	s.TurnAudioDone = false
}

func (s *Session) resetTurn() {
	s.PlaybackAnchor = nil
	s.ActiveItemID = ""
	s.TurnAudioDone = false
}

// elapsedPlayback is how much of the active item the caller has heard.
func (s *Session) elapsedPlayback() int64 {
	if s.PlaybackAnchor == nil {
		return 0
	}
	elapsed := s.LatestMediaTimestamp - *s.PlaybackAnchor
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (s *Session) popMark() bool {
	if len(s.PendingMarks) == 0 {
		return false
	}
	s.PendingMarks = s.PendingMarks[1:]
	return true
}

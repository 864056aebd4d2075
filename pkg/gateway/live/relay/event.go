package relay

// Source names the leg an event came from.
type Source int

const (
	SourceTelephony Source = iota + 1
	SourceAI
)

func (s Source) String() string {
	switch s {
	case SourceTelephony:
		return "telephony"
	case SourceAI:
		return "ai"
	default:
		return "unknown"
	}
}

// Event is the unit of work for the relay loop. Payload is a decoded
// telephony or realtime message, or one of the leg notifications below.
type Event struct {
	Source  Source
	Payload any
}

// AIConnected hands a configured AI leg to the relay.
type AIConnected struct {
	Leg Leg
}

// LegClosed reports that a leg is gone. Err is nil for an orderly close.
type LegClosed struct {
	Err error
}

// Malformed reports an inbound frame that could not be decoded.
type Malformed struct {
	Err error
}

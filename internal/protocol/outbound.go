package protocol

// TypeSessionUpdate is the outbound event configuring the session.
const TypeSessionUpdate = "session.update"

// SessionUpdate is sent once the events channel opens.
type SessionUpdate struct {
	Type    string          `json:"type"`
	Session SessionSettings `json:"session"`
}

// SessionSettings holds the session fields the client may override. Empty
// fields are left to the server's defaults.
type SessionSettings struct {
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

// NewSessionUpdate builds a session.update event. It returns false when
// there is nothing to override.
func NewSessionUpdate(instructions, voice string) (SessionUpdate, bool) {
	if instructions == "" && voice == "" {
		return SessionUpdate{}, false
	}
	return SessionUpdate{
		Type:    TypeSessionUpdate,
		Session: SessionSettings{Instructions: instructions, Voice: voice},
	}, true
}

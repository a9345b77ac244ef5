// Package caption defines the data types flowing through the captioning
// pipeline: caption events, their wire envelope, and the translation
// preference the user controls.
package caption

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is a finalized piece of captioned speech. It is produced on every
// final recognition result and on every caption received from the network,
// and is never mutated afterwards.
type Event struct {
	// Text is the recognized (or relayed) speech.
	Text string `json:"text"`

	// UserName identifies the speaker (e.g., "alice").
	UserName string `json:"userName"`

	// Timestamp is the wall-clock creation time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// NewEvent creates an event stamped with the given time.
func NewEvent(text, userName string, at time.Time) Event {
	return Event{Text: text, UserName: userName, Timestamp: at.UnixMilli()}
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Empty reports whether the event carries no visible text.
func (e Event) Empty() bool { return strings.TrimSpace(e.Text) == "" }

// Envelope types exchanged with the relay.
const (
	TypeSubtitle   = "subtitleText"
	TypePeerHangup = "peerHangup"
)

// Envelope wraps a payload with its event type.
type Envelope struct {
	// Type is the event name, e.g. "subtitleText".
	Type string `json:"type"`

	// Sender is the opaque connection identifier of the originating peer.
	// Channels use it to drop their own echoes.
	Sender string `json:"sender,omitempty"`

	// Data is the event payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// SubtitleEnvelope wraps ev in a subtitleText envelope.
func SubtitleEnvelope(sender string, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling caption: %w", err)
	}
	return Envelope{Type: TypeSubtitle, Sender: sender, Data: data}, nil
}

// Caption decodes the envelope payload as an Event.
func (e Envelope) Caption() (Event, error) {
	if e.Type != TypeSubtitle {
		return Event{}, fmt.Errorf("envelope type %q is not %q", e.Type, TypeSubtitle)
	}
	var ev Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding caption: %w", err)
	}
	return ev, nil
}

// ErrUnknownLanguage is returned for a target language outside Languages.
var ErrUnknownLanguage = errors.New("unknown target language")

// Language is a selectable translation target.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Languages is the fixed set of translation targets offered to the user.
var Languages = []Language{
	{"es", "Spanish"},
	{"fr", "French"},
	{"de", "German"},
	{"it", "Italian"},
	{"pt", "Portuguese"},
	{"ru", "Russian"},
	{"ja", "Japanese"},
	{"ko", "Korean"},
	{"zh", "Chinese"},
	{"ar", "Arabic"},
	{"hi", "Hindi"},
	{"en", "English"},
}

// DefaultLanguage is the initial translation target.
const DefaultLanguage = "es"

// LookupLanguage validates a language code.
func LookupLanguage(code string) (Language, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, l := range Languages {
		if l.Code == code {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
}

// NextLanguage returns the language following code in Languages, wrapping around.
func NextLanguage(code string) Language {
	for i, l := range Languages {
		if l.Code == code {
			return Languages[(i+1)%len(Languages)]
		}
	}
	return Languages[0]
}

// Preference is the user's translation choice. It is read when a remote
// caption is rendered.
type Preference struct {
	Enabled        bool   `json:"enabled"`
	TargetLanguage string `json:"target_language"`
}

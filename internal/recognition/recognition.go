// Package recognition drives a black-box continuous speech recognizer.
//
// A Backend is started and stopped by a Session, and reports what happens to
// it as a stream of tagged Events. The Session turns those events into
// lifecycle transitions: it restarts the backend after unsolicited ends with
// a debounce, backs off after transient failures, and refuses to restart
// after a permission failure or a manual stop.
package recognition

import (
	"errors"
	"fmt"

	"github.com/nadzzz/livecaption/internal/audio"
)

var (
	// ErrAlreadyRunning is returned by Backend.Start while an instance is live.
	ErrAlreadyRunning = errors.New("recognition already running")

	// ErrUnsupported means no recognition backend is available.
	ErrUnsupported = errors.New("speech recognition not supported")
)

// Backend is a continuous recognizer. At most one instance runs at a time.
//
// Events for an instance are delivered through the Sink given to the backend
// at construction, in emission order. Every instance that was started ends
// with exactly one EventEnd, including after an EventError.
type Backend interface {
	// Name returns the backend identifier (e.g., "deepgram").
	Name() string

	// Start launches an instance consuming in. It returns ErrAlreadyRunning
	// if an instance is live.
	Start(in audio.Input) error

	// Stop asks the live instance to finish. The instance confirms with EventEnd.
	Stop() error
}

// Sink receives backend events.
type Sink func(Event)

// EventKind tags an Event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventResult
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a backend notification.
type Event struct {
	Kind EventKind

	// Result is set for EventResult.
	Result Result

	// Code and Message are set for EventError.
	Code    ErrorCode
	Message string
}

// Result is a recognition output.
type Result struct {
	// Final results will not be revised. Interim results may be.
	Final bool

	// Text is the final portion of the transcript.
	Text string

	// Interim is the not-yet-final tail, if any.
	Interim string
}

// Combined returns the final text followed by the interim tail.
func (r Result) Combined() string { return r.Text + r.Interim }

// Started, Ended, Failed and Recognized build events.
func Started() Event { return Event{Kind: EventStarted} }

func Ended() Event { return Event{Kind: EventEnd} }

func Failed(code ErrorCode, msg string) Event {
	return Event{Kind: EventError, Code: code, Message: msg}
}

func Recognized(r Result) Event { return Event{Kind: EventResult, Result: r} }

// ErrorCode is the raw error identifier reported by a backend.
type ErrorCode string

const (
	CodeAborted            ErrorCode = "aborted"
	CodeNoSpeech           ErrorCode = "no-speech"
	CodeAudioCapture       ErrorCode = "audio-capture"
	CodeNetwork            ErrorCode = "network"
	CodeNotAllowed         ErrorCode = "not-allowed"
	CodeServiceNotAllowed  ErrorCode = "service-not-allowed"
	CodeLanguageNotSupport ErrorCode = "language-not-supported"
)

// Class is how the session reacts to an error.
type Class int

const (
	// ClassBenign is an expected consequence of a stop or restart.
	ClassBenign Class = iota
	// ClassRecoverable is a transient failure retried after a delay.
	ClassRecoverable
	// ClassPermission blocks restarts until the user re-enables.
	ClassPermission
	// ClassUnclassified is logged and otherwise treated as benign.
	ClassUnclassified
)

func (c Class) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassRecoverable:
		return "recoverable"
	case ClassPermission:
		return "permission"
	default:
		return "unclassified"
	}
}

// Classify maps a backend error code to its class.
func Classify(code ErrorCode) Class {
	switch code {
	case CodeAborted, CodeNoSpeech:
		return ClassBenign
	case CodeNetwork, CodeAudioCapture:
		return ClassRecoverable
	case CodeNotAllowed, CodeServiceNotAllowed:
		return ClassPermission
	default:
		return ClassUnclassified
	}
}

// User-visible messages. Raw error codes never reach the UI.
const (
	MessagePermission   = "Please allow microphone access to use subtitles"
	MessageAudioCapture = "Microphone access denied or unavailable"
	MessageNetwork      = "Network error - check internet connection"
	MessageUnsupported  = "Speech recognition not supported"
)

func userMessage(code ErrorCode) string {
	switch code {
	case CodeAudioCapture:
		return MessageAudioCapture
	case CodeNetwork:
		return MessageNetwork
	default:
		return MessagePermission
	}
}

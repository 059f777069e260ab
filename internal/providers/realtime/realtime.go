package realtime

import "context"

// Event types on the control channel that carry finalized transcript text.
const (
	EventInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	EventOutputTranscriptDone = "response.output_audio_transcript.done"
)

// Event is a single JSON frame read from the control channel. Raw keeps the
// full frame for journaling; the typed fields cover what the pipeline needs.
type Event struct {
	Type       string
	ItemID     string
	Transcript string
	Raw        []byte
}

// TranscriptRole maps a transcript-bearing event type to the speaker role.
// Returns false for every other event type.
func TranscriptRole(eventType string) (string, bool) {
	switch eventType {
	case EventInputTranscriptDone:
		return "user", true
	case EventOutputTranscriptDone:
		return "assistant", true
	}
	return "", false
}

// ProvisionResult is the outcome of creating a call: the provider-assigned
// call id and the SDP answer to hand back to the client.
type ProvisionResult struct {
	CallID    string
	AnswerSDP string
}

type Provider interface {
	// Provision creates a realtime call from a client SDP offer. The call id
	// is taken from the provider's response correlation header; a response
	// without one fails with CORRELATION_MISSING.
	Provision(ctx context.Context, offerSDP string) (*ProvisionResult, error)

	// Dial opens the control channel for a previously provisioned call.
	Dial(ctx context.Context, callID string) (Transport, error)
}

// Transport is one live control channel. ReadEvent blocks until a frame
// arrives or the channel dies; Close unblocks any pending read.
type Transport interface {
	ReadEvent() (*Event, error)
	SendSessionUpdate(instructions string) error
	Close() error
}

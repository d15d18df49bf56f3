// Package capture turns speech into the text frames of a turn.
//
// A [Recognizer] reports cumulative recognition results for one recording
// session. The [Adapter] extracts the new text of each result event, appends
// it to the transcript and sends it over the session channel, and sends
// [wire.End] when recognition ends. The [Forwarder] is the alternative that
// skips local recognition and streams raw microphone PCM to the server.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/speechquery/pkg/types"
)

// ErrNotRecording is returned by recognizer input methods outside a
// recording session.
var ErrNotRecording = errors.New("capture: not recording")

// Config configures a recognition session.
type Config struct {
	// Language is the BCP-47 recognition locale.
	Language string

	// InterimResults makes the recognizer report provisional text that later
	// events extend.
	InterimResults bool

	// Continuous keeps recognising across pauses until Stop is called.
	Continuous bool

	// Keywords are vocabulary hints for recognizers that support boosting.
	Keywords []types.KeywordBoost
}

// Event is one recognition result event.
type Event struct {
	// Results is the cumulative list of result texts of the session so far.
	Results []string

	// Err is set on a recognition failure. The recognizer stops afterwards.
	Err error
}

// Recognizer is a continuous speech recognition capability. A recognizer
// runs at most one session at a time.
type Recognizer interface {
	// Start begins a session. Events are delivered on the returned channel,
	// which is closed when the session ends for any reason.
	Start(ctx context.Context, cfg Config) (<-chan Event, error)

	// Stop ends the current session. Results still pending are delivered
	// before the channel closes. Stop without a session is a no-op.
	Stop()
}

// Package wire defines the text protocol spoken over the /speech-query
// WebSocket.
//
// Both directions use plain text frames. The client sends utterance text as it
// is recognised and the [End] marker when the user stops talking. The server
// answers each [End] with [Start], zero or more response chunks, and [End].
// Any frame that is not exactly one of the two markers is content. A response
// chunk that happens to equal a marker is therefore indistinguishable from it.
package wire

// Protocol markers.
const (
	Start = "<start>"
	End   = "<end>"
)

// Path is the HTTP path of the speech-query WebSocket endpoint.
const Path = "/speech-query"

// Kind classifies an inbound text frame.
type Kind int

const (
	// KindChunk is any frame that is not a marker.
	KindChunk Kind = iota
	// KindStart opens a response.
	KindStart
	// KindEnd closes a response (server to client) or a turn (client to server).
	KindEnd
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	default:
		return "chunk"
	}
}

// Classify returns the kind of a text frame. Markers must match exactly.
func Classify(frame string) Kind {
	switch frame {
	case Start:
		return KindStart
	case End:
		return KindEnd
	default:
		return KindChunk
	}
}

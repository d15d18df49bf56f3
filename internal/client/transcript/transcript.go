// Package transcript holds the append-only conversation text shown to the
// user.
package transcript

import (
	"strings"
	"sync"
)

// Turn headers.
const (
	UserHeader      = "Me:\n"
	AssistantHeader = "\n\nAI:\n"
	separator       = "\n\n"
)

// Renderer is an append-only text region. Listeners registered with OnChange
// see every appended fragment in order; a terminal view uses this to keep the
// newest text in view.
type Renderer struct {
	notify sync.Mutex // serialises listener calls

	mu        sync.Mutex
	text      strings.Builder
	listeners []func(appended string)
}

// New returns an empty Renderer.
func New() *Renderer {
	return &Renderer{}
}

// OnChange registers fn to be called after each append.
func (r *Renderer) OnChange(fn func(appended string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Append adds text verbatim. Empty text is ignored.
func (r *Renderer) Append(text string) {
	if text == "" {
		return
	}
	r.notify.Lock()
	defer r.notify.Unlock()

	r.mu.Lock()
	r.text.WriteString(text)
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(text)
	}
}

// BeginUserTurn appends the user header, preceded by a blank line unless the
// transcript is empty.
func (r *Renderer) BeginUserTurn() {
	if r.Empty() {
		r.Append(UserHeader)
		return
	}
	r.Append(separator + UserHeader)
}

// BeginAssistantTurn appends the assistant header.
func (r *Renderer) BeginAssistantTurn() {
	r.Append(AssistantHeader)
}

// String returns the full transcript.
func (r *Renderer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

// Empty reports whether nothing has been appended yet.
func (r *Renderer) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.Len() == 0
}

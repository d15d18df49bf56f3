package capture

import (
	"context"
	"strings"
	"sync"
)

var _ Recognizer = (*TextRecognizer)(nil)

// TextRecognizer treats typed lines as recognised speech. Each line fed
// during a session becomes one final result; with interim results enabled
// the session reports a single cumulative result instead, so consumers see
// the same repeated-prefix shape a live recognizer produces.
type TextRecognizer struct {
	mu      sync.Mutex
	events  chan Event
	cfg     Config
	results []string
	stop    context.CancelFunc
}

// NewTextRecognizer returns an idle TextRecognizer.
func NewTextRecognizer() *TextRecognizer {
	return &TextRecognizer{}
}

// Start implements Recognizer.
func (r *TextRecognizer) Start(ctx context.Context, cfg Config) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events != nil {
		return nil, ErrAlreadyRecording
	}
	ctx, cancel := context.WithCancel(ctx)
	r.events = make(chan Event, 16)
	r.cfg = cfg
	r.results = nil
	r.stop = cancel

	events := r.events
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		close(events)
		if r.events == events {
			r.events = nil
		}
	}()
	return events, nil
}

// Feed delivers one typed line. Blank lines are ignored.
func (r *TextRecognizer) Feed(line string) error {
	line = strings.TrimSpace(line)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		return ErrNotRecording
	}
	if line == "" {
		return nil
	}
	if r.cfg.InterimResults {
		prev := strings.Join(r.results, "")
		if prev != "" {
			line = " " + line
		}
		r.results = []string{prev + line}
	} else {
		if len(r.results) > 0 {
			line = " " + line
		}
		r.results = append(r.results, line)
	}
	res := make([]string, len(r.results))
	copy(res, r.results)
	select {
	case r.events <- Event{Results: res}:
	default:
		// Consumer is gone; the line is lost like an unheard word.
	}
	return nil
}

// Stop implements Recognizer.
func (r *TextRecognizer) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

package kernel

import (
	"sync"

	"github.com/joerpyter/go-joerpyter/pkg/shared/defs"
)

// Recorder is an Emitter that keeps every event in order, for callers that
// answer with the whole execution at once
type Recorder struct {
	mu     sync.Mutex
	events []defs.ExecuteEvent
}

func (r *Recorder) Stream(name, text string) error {
	r.record(defs.MsgStream, defs.StreamContent{Name: name, Text: text})
	return nil
}

func (r *Recorder) Display(data defs.DisplayData) error {
	r.record(defs.MsgDisplayData, data)
	return nil
}

func (r *Recorder) record(msgType string, content any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, defs.ExecuteEvent{MsgType: msgType, Content: content})
}

// Events returns the recorded events; never nil
func (r *Recorder) Events() []defs.ExecuteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]defs.ExecuteEvent{}, r.events...)
}

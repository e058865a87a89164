package provider

import "context"

// Fake is a scripted Provider for tests. Each call to Stream pops the next
// script; when Fail is set for that turn, Stream returns the error directly.
type Fake struct {
	// Scripts holds one event sequence per expected Stream call.
	Scripts [][]Event
	// Errs maps call index to a connection-time error returned before any
	// event is streamed.
	Errs map[int]error
	// Requests records every request received, in order.
	Requests []Request

	calls int
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	call := f.calls
	f.calls++
	f.Requests = append(f.Requests, req)

	if err, ok := f.Errs[call]; ok {
		return nil, err
	}

	var script []Event
	if call < len(f.Scripts) {
		script = f.Scripts[call]
	}
	ch := make(chan Event, len(script))
	go func() {
		defer close(ch)
		for _, event := range script {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ Provider = (*Fake)(nil)

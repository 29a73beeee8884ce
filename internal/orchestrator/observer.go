package orchestrator

// Observer receives progress events from the orchestrator loop. Events are
// delivered synchronously from the loop goroutine, so implementations must
// return quickly.
type Observer interface {
	// OnIssued is called after a request is published for the first time.
	OnIssued(p PendingRequest)
	// OnRetried is called after an expired request has been reissued.
	OnRetried(expired, renewed PendingRequest)
	// OnFlushed is called after a completed group has been persisted.
	OnFlushed(rec CompletionRecord)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnIssued(PendingRequest)                 {}
func (NopObserver) OnRetried(PendingRequest, PendingRequest) {}
func (NopObserver) OnFlushed(CompletionRecord)               {}

// Observers fans events out to every observer in order.
type Observers []Observer

func (all Observers) OnIssued(p PendingRequest) {
	for _, o := range all {
		o.OnIssued(p)
	}
}

func (all Observers) OnRetried(expired, renewed PendingRequest) {
	for _, o := range all {
		o.OnRetried(expired, renewed)
	}
}

func (all Observers) OnFlushed(rec CompletionRecord) {
	for _, o := range all {
		o.OnFlushed(rec)
	}
}

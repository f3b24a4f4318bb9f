package jobrunner

import "github.com/agentcompany/agentcompany/internal/bus"

// BackpressurePayload is published on bus.TopicProviderBackpressure so
// lane admission control (spec §5) can react to a provider's failure
// rate without the job runner knowing anything about lanes.
type BackpressurePayload struct {
	Provider string       `json:"provider"`
	Class    FailureClass `json:"class"`
}

// BusBackpressureReporter publishes classifications onto the runtime
// event bus instead of calling a lane admission component directly,
// matching the bus's existing fire-and-forget fan-out shape.
type BusBackpressureReporter struct{}

func (BusBackpressureReporter) ReportProviderBackpressure(provider string, class FailureClass) {
	bus.PublishEventWithSource(bus.TopicProviderBackpressure, BackpressurePayload{Provider: provider, Class: class}, "jobrunner")
}

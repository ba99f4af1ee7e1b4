package services

import "time"

// Metrics receives counters from the signaling and relay paths. The
// Prometheus collector implements it; tests and benchmarks use
// NopMetrics.
type Metrics interface {
	SessionRegistered()
	SessionRemoved()
	CallStarted(video bool)
	CallEnded(state string, duration time.Duration)
	PacketRelayed(video bool, bytes int)
	PacketDropped(reason string)
	SignalRequest(request string)
	SignalError(code int)
	SimulcastSwitch(temporal bool)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionRegistered()              {}
func (NopMetrics) SessionRemoved()                 {}
func (NopMetrics) CallStarted(bool)                {}
func (NopMetrics) CallEnded(string, time.Duration) {}
func (NopMetrics) PacketRelayed(bool, int)         {}
func (NopMetrics) PacketDropped(string)            {}
func (NopMetrics) SignalRequest(string)            {}
func (NopMetrics) SignalError(int)                 {}
func (NopMetrics) SimulcastSwitch(bool)            {}

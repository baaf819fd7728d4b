package rpc

import "time"

// Observer receives runtime events for metrics. Kind is empty for success and
// one of the contract/errors codes otherwise. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	BatchDispatched(service string, size int, waited time.Duration)
	BatchQueued(service string, depth int)
	SlotsInUse(service string, n int)
	HandlerFinished(service string, size int, elapsed time.Duration, kind string)
	CallFinished(service string, elapsed time.Duration, kind string)
	DeliveryRejected(queue, kind string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) BatchDispatched(string, int, time.Duration)         {}
func (NopObserver) BatchQueued(string, int)                            {}
func (NopObserver) SlotsInUse(string, int)                             {}
func (NopObserver) HandlerFinished(string, int, time.Duration, string) {}
func (NopObserver) CallFinished(string, time.Duration, string)         {}
func (NopObserver) DeliveryRejected(string, string)                    {}

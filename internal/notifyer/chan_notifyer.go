package notifyer

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

// ChanNotifyer delivers router events to a single consumer.
type ChanNotifyer struct {
	eventChan chan models.RouterEvent
	closed    atomic.Bool
	close     chan struct{}
}

func NewNotifier(buf int) *ChanNotifyer {
	return &ChanNotifyer{
		eventChan: make(chan models.RouterEvent, buf),
		closed:    atomic.Bool{},
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifyer) NotifyRouterEvent(event models.RouterEvent) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- event:
	case <-n.close:
	default:
		if n.closed.Load() {
			return
		}
		log.Warn().Str("component", "notifyer").Msgf("router event queue is full, blocking on %s from %s", event.Type, event.RouterID)
		select {
		case n.eventChan <- event:
		case <-n.close:
		}
	}
}

func (n *ChanNotifyer) GetEventChan() <-chan models.RouterEvent {
	return n.eventChan
}

// Done is closed once the notifyer stops accepting events.
func (n *ChanNotifyer) Done() <-chan struct{} {
	return n.close
}

func (n *ChanNotifyer) Close() {
	if n.closed.Swap(true) {
		return
	}
	close(n.close)
}

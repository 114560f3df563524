package notify

import (
	"encoding/json"

	"github.com/bpark/bparkd/internal/platform/mailer"
	"github.com/bpark/bparkd/pkg/events"
	"github.com/bpark/bparkd/pkg/logger"
)

// Notifier consumes notify.send events off the bus and turns them into
// mail. Decoupling mail delivery from the request path keeps slow SMTP
// round-trips out of command handling.
type Notifier struct {
	bus    events.Subscriber
	mailer mailer.Service
}

func New(bus events.Subscriber, m mailer.Service) *Notifier {
	return &Notifier{bus: bus, mailer: m}
}

// Start subscribes on the notification subject. Handlers run on the bus's
// delivery goroutine.
func (n *Notifier) Start() error {
	return n.bus.QueueSubscribe(events.NotifySend, "notifier", n.handle)
}

func (n *Notifier) handle(msg *events.Message) {
	var ev events.NotificationEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logger.Error("decode notification event", "error", err)
		return
	}
	if ev.Recipient == "" {
		logger.Warn("notification without recipient", "kind", ev.Kind)
		return
	}

	var err error
	switch ev.Kind {
	case events.NotifyParkingCode:
		err = n.mailer.SendParkingCode(ev.Recipient, ev.Name, ev.Data["code"])
	case events.NotifyLatePickup:
		err = n.mailer.SendLatePickup(ev.Recipient, ev.Name, ev.Data["support_phone"])
	case events.NotifyForcedExit:
		err = n.mailer.SendForcedExit(ev.Recipient, ev.Name, ev.Data["support_phone"], ev.Data["support_email"])
	default:
		logger.Warn("unknown notification kind", "kind", ev.Kind)
		return
	}
	if err != nil {
		logger.Error("send notification mail", "kind", ev.Kind, "to", ev.Recipient, "error", err)
	}
}

package broadcast

// Event types published on the bus after delivery attempts settle.
const (
	EventDeliverySent   = "delivery.sent"
	EventDeliveryFailed = "delivery.failed"
)

// DeliveryEvent is the payload for both delivery event types. Reason is
// empty on success; on failure it carries the durable deactivation reason.
type DeliveryEvent struct {
	Kind     Kind
	SenderID int64
	TargetID int64
	Target   string
	Reason   string
}

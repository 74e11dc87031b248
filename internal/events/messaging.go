package events

const (
	DefaultExchange = "menu_events"

	OrderCreated = "order.created"
	OrderFailed  = "order.failed"
	OrderDelayed = "order.delayed"
	MenuReserved = "menu.reserved"
	MenuFailed   = "menu.failed"

	MenuUpdated          = "menu.updated"
	MenuPriceChanged     = "menu.price.change"
	MenuDishCreated      = "menu.dish.created"
	MenuItemAvailability = "menu.item.availability"

	// HeaderEventType carries the event type on every published message.
	HeaderEventType = "event_type"
)

// MenuMaintenanceEvents are informational catalog events outside the saga.
var MenuMaintenanceEvents = []string{
	MenuUpdated,
	MenuPriceChanged,
	MenuDishCreated,
	MenuItemAvailability,
}

// QueueName returns the durable queue a service consumes a routing key from.
func QueueName(service, routingKey string) string {
	return service + "." + routingKey
}

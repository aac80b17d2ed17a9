package netmon

type EventType string

const (
	LinkUp         EventType = "LINK_UP"
	LinkDown       EventType = "LINK_DOWN"
	AddressChanged EventType = "ADDRESS_CHANGED"
)

type LinkEvent struct {
	Type          EventType
	InterfaceName string
}

package models

type RouterEventType int8

const (
	RouterEventUnknown RouterEventType = iota
	RouterListenersChanged
	RouterAddressesChanged
	RouterConnectorsChanged
	RouterProvisioned
	RouterDisconnected
)

func (t RouterEventType) String() string {
	switch t {
	case RouterListenersChanged:
		return "listeners_changed"
	case RouterAddressesChanged:
		return "addresses_changed"
	case RouterConnectorsChanged:
		return "connectors_changed"
	case RouterProvisioned:
		return "provisioned"
	case RouterDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type RouterEvent struct {
	Type     RouterEventType
	RouterID string
}

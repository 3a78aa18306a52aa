package models

type AddressKind string

const (
	AddressQueue     AddressKind = "queue"
	AddressTopic     AddressKind = "topic"
	AddressAnycast   AddressKind = "anycast"
	AddressMulticast AddressKind = "multicast"
)

func (k AddressKind) Valid() bool {
	switch k {
	case AddressQueue, AddressTopic, AddressAnycast, AddressMulticast:
		return true
	}
	return false
}

// DesiredAddress is one address definition of the desired state snapshot.
type DesiredAddress struct {
	Name        string      `json:"address"`
	Kind        AddressKind `json:"type"`
	AllocatedTo string      `json:"allocated_to,omitempty"`
}

// StoreAndForward reports whether messages sent to the address are held by a broker.
func (a DesiredAddress) StoreAndForward() bool {
	return a.Kind == AddressQueue || a.Kind == AddressTopic
}

func (a DesiredAddress) Multicast() bool {
	return a.Kind == AddressTopic || a.Kind == AddressMulticast
}

// ContainerID is the container the address's links are routed to.
func (a DesiredAddress) ContainerID() string {
	if a.AllocatedTo != "" {
		return a.AllocatedTo
	}
	return a.Name
}

// AddressCheck is one expected address of a health-check request.
type AddressCheck struct {
	Name            string `json:"name"`
	StoreAndForward bool   `json:"store_and_forward,omitempty"`
	Multicast       bool   `json:"multicast,omitempty"`
}

// AllocatedTo returns the addresses allocated to the broker.
func AllocatedTo(addrs []DesiredAddress, brokerID string) []DesiredAddress {
	out := make([]DesiredAddress, 0)
	for _, addr := range addrs {
		if addr.AllocatedTo == brokerID {
			out = append(out, addr)
		}
	}
	return out
}

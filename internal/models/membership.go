package models

type NodeID string

func (n NodeID) String() string {
	return string(n)
}

type MemberShipEventType int8

const (
	MemberShipUnknown MemberShipEventType = iota
	MemberShipNew
	MemberShipDead
)

type MemberShipEvent struct {
	Type MemberShipEventType
	From NodeID
}

// Advertisement is the full router topology one coordinator knows about:
// container id to inter-router listener endpoints.
type Advertisement struct {
	From    NodeID              `json:"from"`
	Routers map[string][]string `json:"routers"`
}

package router

import (
	"slices"

	"github.com/EnMasseProject/enmasse-sub000/internal/mesh"
)

// Member is a fleet member taking part in the mesh: either a live Router or
// a Known router learned from a peer coordinator.
type Member interface {
	ID() string
	Listeners() []string
}

var (
	_ Member = (*Router)(nil)
	_ Member = Known{}
)

// Known is a router some other coordinator is connected to.
type Known struct {
	id        string
	listeners []string
}

func NewKnown(id string, listeners []string) Known {
	return Known{id: id, listeners: slices.Clone(listeners)}
}

func (k Known) ID() string {
	return k.id
}

func (k Known) Listeners() []string {
	return slices.Clone(k.listeners)
}

func MeshMember(m Member) mesh.Member {
	return mesh.Member{ID: m.ID(), Listeners: m.Listeners()}
}

package entities

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

// Qualifier prefixes the name of every entity this agent creates. Entities
// without it are never deleted.
const Qualifier = "ragent-"

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	RoleInterRouter = "inter-router"

	DistributionBalanced  = "balanced"
	DistributionMulticast = "multicast"
)

var Directions = []string{DirectionIn, DirectionOut}

type Kind int8

const (
	Address Kind = iota
	AutoLink
	LinkRoute
	Connector
	Listener
)

// Reconciled lists the kinds apply passes converge, in application order.
var Reconciled = []Kind{Address, AutoLink, LinkRoute}

type descriptor struct {
	name     string
	typeName string
	compare  func(a, b Entity) int
	equal    func(a, b Entity) bool
	describe func(e Entity) string
}

var descriptors = [...]descriptor{
	Address: {
		name:     "addresses",
		typeName: "org.apache.qpid.dispatch.router.config.address",
		compare: func(a, b Entity) int {
			return cmp.Compare(a.String("prefix"), b.String("prefix"))
		},
		equal: func(a, b Entity) bool {
			return sameAttrs(a, b, "prefix", "distribution", "waypoint")
		},
		describe: func(e Entity) string {
			return "address " + e.String("prefix")
		},
	},
	AutoLink: {
		name:     "autolinks",
		typeName: "org.apache.qpid.dispatch.router.config.autoLink",
		compare: func(a, b Entity) int {
			return compareAttrs(a, b, "addr", "direction", "containerId")
		},
		equal: func(a, b Entity) bool {
			return sameAttrs(a, b, "addr", "direction", "containerId")
		},
		describe: func(e Entity) string {
			return fmt.Sprintf("autolink %s (dir: %s, addr: %s)", e.Name, e.String("direction"), e.String("addr"))
		},
	},
	LinkRoute: {
		name:     "linkroutes",
		typeName: "org.apache.qpid.dispatch.router.config.linkRoute",
		compare: func(a, b Entity) int {
			return compareAttrs(a, b, "prefix", "direction", "containerId")
		},
		equal: func(a, b Entity) bool {
			return sameAttrs(a, b, "prefix", "direction", "containerId")
		},
		describe: func(e Entity) string {
			return "linkroute " + e.String("direction") + " " + e.String("prefix")
		},
	},
	Connector: {
		name:     "connectors",
		typeName: "connector",
		compare: func(a, b Entity) int {
			return cmp.Or(
				cmp.Compare(a.HostPort(), b.HostPort()),
				cmp.Compare(a.Name, b.Name),
			)
		},
		equal: func(a, b Entity) bool {
			return a.HostPort() == b.HostPort() && sameAttrs(a, b, "role")
		},
		describe: func(e Entity) string {
			return "connector " + e.Name + " (" + e.HostPort() + ")"
		},
	},
	Listener: {
		name:     "listeners",
		typeName: "listener",
		compare: func(a, b Entity) int {
			return cmp.Compare(a.HostPort(), b.HostPort())
		},
		equal: func(a, b Entity) bool {
			return a.HostPort() == b.HostPort() && sameAttrs(a, b, "role")
		},
		describe: func(e Entity) string {
			return "listener " + e.Name + " (" + e.HostPort() + ")"
		},
	},
}

func (k Kind) String() string {
	return descriptors[k].name
}

// TypeName is the management entity type of the kind.
func (k Kind) TypeName() string {
	return descriptors[k].typeName
}

func (k Kind) Compare(a, b Entity) int {
	return descriptors[k].compare(a, b)
}

func (k Kind) Equal(a, b Entity) bool {
	return descriptors[k].equal(a, b)
}

func (k Kind) Describe(e Entity) string {
	return descriptors[k].describe(e)
}

// Entity is a named configuration object inside a router.
type Entity struct {
	Name  string
	Attrs map[string]any
}

func FromRecord(rec mgmt.Record) Entity {
	attrs := make(map[string]any, len(rec))
	for k, v := range rec {
		attrs[k] = v
	}
	return Entity{Name: rec.Name(), Attrs: attrs}
}

func (e Entity) String(key string) string {
	return mgmt.AttributeString(e.Attrs[key])
}

func (e Entity) Bool(key string) bool {
	return mgmt.AttributeBool(e.Attrs[key])
}

// HostPort accepts both the host and the older addr attribute.
func (e Entity) HostPort() string {
	host := e.String("host")
	if host == "" {
		host = e.String("addr")
	}
	return host + ":" + e.String("port")
}

func (e Entity) Qualified() bool {
	return strings.HasPrefix(e.Name, Qualifier)
}

// Body is the attribute map sent with a CREATE request.
func (e Entity) Body() map[string]any {
	body := make(map[string]any, len(e.Attrs))
	for k, v := range e.Attrs {
		if k == "identity" || k == "name" {
			continue
		}
		body[k] = v
	}
	return body
}

// sameAttrs compares string renderings, so absent, nil and empty are equivalent.
func sameAttrs(a, b Entity, keys ...string) bool {
	for _, key := range keys {
		if a.String(key) != b.String(key) {
			return false
		}
	}
	return true
}

func compareAttrs(a, b Entity, keys ...string) int {
	for _, key := range keys {
		if c := cmp.Compare(a.String(key), b.String(key)); c != 0 {
			return c
		}
	}
	return 0
}

// Package mesh plans the inter-router connectors forming a full mesh.
//
// For every pair of fleet members advertising a listener exactly one side
// initiates: the member with the greater container id connects to the first
// listener of the other.
package mesh

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/EnMasseProject/enmasse-sub000/internal/entities"
)

type Member struct {
	ID        string
	Listeners []string
}

type Plan struct {
	Missing []entities.Entity
	Stale   []entities.Entity
}

func (p Plan) Empty() bool {
	return len(p.Missing) == 0 && len(p.Stale) == 0
}

// Expects reports whether self initiates the connection to other.
func Expects(self, other Member) bool {
	return other.ID < self.ID && len(other.Listeners) > 0
}

func ConnectorName(hostPort string, i int) string {
	return hostPort + "-" + strconv.Itoa(i)
}

// IsManagedConnectorName reports whether name has the <host:port>-<i> form
// connectors created by Check carry.
func IsManagedConnectorName(name string) bool {
	idx := strings.LastIndexByte(name, '-')
	if idx <= 0 {
		return false
	}
	if _, err := strconv.ParseUint(name[idx+1:], 10, 32); err != nil {
		return false
	}
	_, port, err := net.SplitHostPort(name[:idx])
	if err != nil {
		return false
	}
	_, err = strconv.ParseUint(port, 10, 16)
	return err == nil
}

func NewConnector(hostPort string, i int) (entities.Entity, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return entities.Entity{}, fmt.Errorf("failed to parse listener %q: %w", hostPort, err)
	}
	return entities.Entity{
		Name: ConnectorName(hostPort, i),
		Attrs: map[string]any{
			"role": entities.RoleInterRouter,
			"host": host,
			"port": port,
		},
	}, nil
}

// Check compares the connectors of self against the fleet. Only inter-router
// connectors are considered and only managed ones are ever reported stale.
func Check(self Member, fleet []Member, connectors []entities.Entity, numConnectors int) Plan {
	if numConnectors < 1 {
		numConnectors = 1
	}
	targets := make(map[string]struct{}, len(connectors))
	for _, c := range connectors {
		if c.String("role") == entities.RoleInterRouter {
			targets[c.HostPort()] = struct{}{}
		}
	}

	var plan Plan
	advertised := make(map[string]struct{})
	for _, member := range fleet {
		if member.ID == self.ID {
			continue
		}
		for _, l := range member.Listeners {
			advertised[l] = struct{}{}
		}
		if !Expects(self, member) || connectedTo(targets, member) {
			continue
		}
		for i := range numConnectors {
			connector, err := NewConnector(member.Listeners[0], i)
			if err != nil {
				continue
			}
			plan.Missing = append(plan.Missing, connector)
		}
	}

	for _, c := range connectors {
		if c.String("role") != entities.RoleInterRouter || !IsManagedConnectorName(c.Name) {
			continue
		}
		if _, exists := advertised[c.HostPort()]; !exists {
			plan.Stale = append(plan.Stale, c)
		}
	}
	plan.Missing = entities.Sort(entities.Connector, plan.Missing)
	plan.Stale = entities.Sort(entities.Connector, plan.Stale)
	return plan
}

func connectedTo(targets map[string]struct{}, member Member) bool {
	for _, l := range member.Listeners {
		if _, exists := targets[l]; exists {
			return true
		}
	}
	return false
}

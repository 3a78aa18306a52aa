package entities

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

// Config holds router entities by kind.
type Config map[Kind][]Entity

func (c Config) add(kind Kind, name string, attrs map[string]any) {
	c[kind] = append(c[kind], Entity{Name: Qualifier + name, Attrs: attrs})
}

// DesiredConfig maps address definitions onto the router entities realising
// them. Every reconciled kind is present, possibly empty.
func DesiredConfig(addrs []models.DesiredAddress) Config {
	config := make(Config, len(Reconciled))
	for _, kind := range Reconciled {
		config[kind] = []Entity{}
	}
	for _, addr := range addrs {
		switch addr.Kind {
		case models.AddressQueue:
			config.add(Address, addr.Name, map[string]any{
				"prefix":       addr.Name,
				"distribution": DistributionBalanced,
				"waypoint":     true,
			})
			for _, dir := range Directions {
				config.add(AutoLink, addr.Name+"-"+dir, map[string]any{
					"addr":        addr.Name,
					"direction":   dir,
					"containerId": addr.ContainerID(),
				})
			}
		case models.AddressTopic:
			for _, dir := range Directions {
				config.add(LinkRoute, addr.Name+"-"+dir, map[string]any{
					"prefix":      addr.Name,
					"direction":   dir,
					"containerId": addr.ContainerID(),
				})
			}
		case models.AddressAnycast:
			config.add(Address, addr.Name, map[string]any{
				"prefix":       addr.Name,
				"distribution": DistributionBalanced,
				"waypoint":     false,
			})
		case models.AddressMulticast:
			config.add(Address, addr.Name, map[string]any{
				"prefix":       addr.Name,
				"distribution": DistributionMulticast,
				"waypoint":     false,
			})
		default:
			log.Warn().Str("component", "entities").Msgf("ignoring address %s of unknown type %q", addr.Name, addr.Kind)
		}
	}
	for kind, list := range config {
		config[kind] = Sort(kind, list)
	}
	return config
}

// Deduce recovers address definitions from actual router configuration, keyed
// by address name. Entities named override* are left to their owner.
func Deduce(config Config) map[string]models.DesiredAddress {
	definitions := make(map[string]models.DesiredAddress)
	for _, a := range config[Address] {
		if overridden(a) {
			continue
		}
		prefix := a.String("prefix")
		var kind models.AddressKind
		switch a.String("distribution") {
		case DistributionBalanced:
			kind = models.AddressAnycast
			if a.Bool("waypoint") {
				kind = models.AddressQueue
			}
		case DistributionMulticast:
			kind = models.AddressMulticast
		default:
			continue
		}
		definitions[prefix] = models.DesiredAddress{Name: prefix, Kind: kind}
	}

	directions := make(map[string]map[string]bool)
	for _, l := range config[LinkRoute] {
		if overridden(l) {
			continue
		}
		prefix := l.String("prefix")
		if directions[prefix] == nil {
			directions[prefix] = make(map[string]bool, len(Directions))
		}
		directions[prefix][l.String("direction")] = true
	}
	for prefix, dirs := range directions {
		if dirs[DirectionIn] && dirs[DirectionOut] {
			definitions[prefix] = models.DesiredAddress{Name: prefix, Kind: models.AddressTopic}
		}
	}
	return definitions
}

func overridden(e Entity) bool {
	return strings.HasPrefix(e.Name, "override")
}

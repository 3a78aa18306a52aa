package addresswatcher

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

// AddressDto is one address definition as published on the queue. The
// allocation is either a broker id or a list of broker statuses of which the
// first is used.
type AddressDto struct {
	Address     string          `json:"address"`
	Type        string          `json:"type"`
	AllocatedTo json.RawMessage `json:"allocated_to,omitempty"`
}

type brokerStatus struct {
	ContainerID string `json:"containerId"`
}

func (a AddressDto) allocatedTo() (string, error) {
	raw := bytes.TrimSpace(a.AllocatedTo)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var id string
		err := json.Unmarshal(raw, &id)
		return id, err
	}
	var statuses []brokerStatus
	err := json.Unmarshal(raw, &statuses)
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "", nil
	}
	return statuses[0].ContainerID, nil
}

// Decode parses a full desired address snapshot. Definitions without a name or
// with an unknown type are skipped; a later definition of the same name
// replaces an earlier one.
func Decode(payload []byte) ([]models.DesiredAddress, error) {
	var dtos []AddressDto
	err := json.Unmarshal(payload, &dtos)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address list: %w", err)
	}

	var (
		addrs = make([]models.DesiredAddress, 0, len(dtos))
		index = make(map[string]int, len(dtos))
	)
	for _, dto := range dtos {
		kind := models.AddressKind(dto.Type)
		if dto.Address == "" || !kind.Valid() {
			log.Error().Msgf("bad address definition: address=%q, type=%q", dto.Address, dto.Type)
			continue
		}
		allocatedTo, err := dto.allocatedTo()
		if err != nil {
			log.Error().Err(err).Msgf("failed to decode allocation of address %s", dto.Address)
			continue
		}
		addr := models.DesiredAddress{
			Name:        dto.Address,
			Kind:        kind,
			AllocatedTo: allocatedTo,
		}
		if i, exists := index[addr.Name]; exists {
			addrs[i] = addr
			continue
		}
		index[addr.Name] = len(addrs)
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

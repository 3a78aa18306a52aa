package reconciler

import (
	"context"

	"github.com/EnMasseProject/enmasse-sub000/internal/entities"
	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

// Target is a router whose configuration can be read and changed.
type Target interface {
	ID() string
	QueryEntities(ctx context.Context, kind entities.Kind) ([]entities.Entity, error)
	CreateEntity(ctx context.Context, kind entities.Kind, e entities.Entity) error
	DeleteEntity(ctx context.Context, kind entities.Kind, name string) error
}

type clientTarget struct {
	id     string
	client *mgmt.Client
}

// NewClientTarget exposes a management client as a Target.
func NewClientTarget(id string, client *mgmt.Client) Target {
	return &clientTarget{id: id, client: client}
}

func (t *clientTarget) ID() string {
	return t.id
}

func (t *clientTarget) QueryEntities(ctx context.Context, kind entities.Kind) ([]entities.Entity, error) {
	return QueryEntities(ctx, t.client, kind)
}

func (t *clientTarget) CreateEntity(ctx context.Context, kind entities.Kind, e entities.Entity) error {
	return t.client.CreateEntity(ctx, kind.TypeName(), e.Name, e.Body())
}

func (t *clientTarget) DeleteEntity(ctx context.Context, kind entities.Kind, name string) error {
	return t.client.DeleteEntity(ctx, kind.TypeName(), name)
}

// QueryEntities retrieves every entity of a kind with all of its attributes.
func QueryEntities(ctx context.Context, client *mgmt.Client, kind entities.Kind) ([]entities.Entity, error) {
	records, err := client.Query(ctx, kind.TypeName())
	if err != nil {
		return nil, err
	}
	list := make([]entities.Entity, 0, len(records))
	for _, rec := range records {
		list = append(list, entities.FromRecord(rec))
	}
	return list, nil
}

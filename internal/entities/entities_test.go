package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EnMasseProject/enmasse-sub000/internal/models"
)

func names(list []Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.Name)
	}
	return out
}

func TestDesiredConfigTopic(t *testing.T) {
	req := require.New(t)
	config := DesiredConfig([]models.DesiredAddress{{Name: "a", Kind: models.AddressTopic}})

	req.Empty(config[Address])
	req.Empty(config[AutoLink])
	req.Equal([]string{"ragent-a-in", "ragent-a-out"}, names(config[LinkRoute]))
	req.Equal("a", config[LinkRoute][0].String("containerId"))
	req.Equal("a", config[LinkRoute][0].String("prefix"))
}

func TestDesiredConfigQueue(t *testing.T) {
	req := require.New(t)
	config := DesiredConfig([]models.DesiredAddress{{Name: "q1", Kind: models.AddressQueue, AllocatedTo: "broker-0"}})

	req.Len(config[Address], 1)
	addr := config[Address][0]
	req.Equal("ragent-q1", addr.Name)
	req.Equal(DistributionBalanced, addr.String("distribution"))
	req.True(addr.Bool("waypoint"))

	req.Equal([]string{"ragent-q1-in", "ragent-q1-out"}, names(config[AutoLink]))
	for _, link := range config[AutoLink] {
		req.Equal("q1", link.String("addr"))
		req.Equal("broker-0", link.String("containerId"))
	}
	req.Empty(config[LinkRoute])
}

func TestDesiredConfigAnycastAndMulticast(t *testing.T) {
	req := require.New(t)
	config := DesiredConfig([]models.DesiredAddress{
		{Name: "m", Kind: models.AddressMulticast},
		{Name: "c", Kind: models.AddressAnycast},
		{Name: "x", Kind: "subscription"},
	})

	req.Equal([]string{"ragent-c", "ragent-m"}, names(config[Address]))
	req.Equal(DistributionBalanced, config[Address][0].String("distribution"))
	req.False(config[Address][0].Bool("waypoint"))
	req.Equal(DistributionMulticast, config[Address][1].String("distribution"))
	req.Empty(config[AutoLink])
	req.Empty(config[LinkRoute])
}

func TestChangesMergeDiff(t *testing.T) {
	req := require.New(t)
	actual := []Entity{
		{Name: "ragent-c", Attrs: map[string]any{"prefix": "c", "distribution": "balanced", "waypoint": false}},
		{Name: "ragent-b", Attrs: map[string]any{"prefix": "b", "distribution": "multicast", "waypoint": false}},
		{Name: "external", Attrs: map[string]any{"prefix": "e", "distribution": "closest"}},
	}
	desired := DesiredConfig([]models.DesiredAddress{
		{Name: "a", Kind: models.AddressQueue},
		{Name: "b", Kind: models.AddressAnycast},
		{Name: "c", Kind: models.AddressAnycast},
	})[Address]

	delta := Changes(Address, actual, desired)
	req.Equal([]string{"ragent-a"}, names(delta.Added))
	req.Equal([]string{"external"}, names(delta.Removed))
	req.Len(delta.Modified, 1)
	req.Equal("ragent-b", delta.Modified[0].Actual.Name)

	req.Equal([]string{"ragent-b"}, names(delta.Stale()))
	req.Equal([]string{"ragent-a", "ragent-b"}, names(delta.Missing()))
	req.Equal(1, delta.Ignored())
	req.False(delta.Converged())
}

func TestChangesIgnoresVolatileAndTypeDifferences(t *testing.T) {
	actual := []Entity{{
		Name: "ragent-a-in",
		Attrs: map[string]any{
			"identity":    "7",
			"name":        "ragent-a-in",
			"prefix":      "a",
			"direction":   "in",
			"containerId": "a",
			"operStatus":  "active",
		},
	}}
	desired := []Entity{{
		Name:  "ragent-a-in",
		Attrs: map[string]any{"prefix": "a", "direction": "in", "containerId": "a"},
	}}
	delta := Changes(LinkRoute, actual, desired)
	assert.True(t, delta.Converged())
	assert.Empty(t, delta.Removed)
	assert.Empty(t, delta.Added)
}

func TestChangesNeverStalesUnqualified(t *testing.T) {
	actual := []Entity{{
		Name:  "mine-not",
		Attrs: map[string]any{"prefix": "a", "distribution": "multicast"},
	}}
	desired := DesiredConfig([]models.DesiredAddress{{Name: "a", Kind: models.AddressAnycast}})[Address]

	delta := Changes(Address, actual, desired)
	assert.Empty(t, delta.Stale())
	assert.Empty(t, delta.Missing())
	assert.True(t, delta.Converged())
	assert.Equal(t, 1, delta.Ignored())
}

func TestDeduce(t *testing.T) {
	config := Config{
		Address: {
			{Name: "ragent-q", Attrs: map[string]any{"prefix": "q", "distribution": "balanced", "waypoint": true}},
			{Name: "ragent-c", Attrs: map[string]any{"prefix": "c", "distribution": "balanced", "waypoint": false}},
			{Name: "ragent-m", Attrs: map[string]any{"prefix": "m", "distribution": "multicast"}},
			{Name: "ragent-x", Attrs: map[string]any{"prefix": "x", "distribution": "closest"}},
			{Name: "override-o", Attrs: map[string]any{"prefix": "o", "distribution": "balanced", "waypoint": true}},
		},
		LinkRoute: {
			{Name: "ragent-t-in", Attrs: map[string]any{"prefix": "t", "direction": "in"}},
			{Name: "ragent-t-out", Attrs: map[string]any{"prefix": "t", "direction": "out"}},
			{Name: "ragent-h-in", Attrs: map[string]any{"prefix": "h", "direction": "in"}},
		},
	}
	definitions := Deduce(config)

	assert.Equal(t, map[string]models.DesiredAddress{
		"q": {Name: "q", Kind: models.AddressQueue},
		"c": {Name: "c", Kind: models.AddressAnycast},
		"m": {Name: "m", Kind: models.AddressMulticast},
		"t": {Name: "t", Kind: models.AddressTopic},
	}, definitions)
}

func TestDescriptors(t *testing.T) {
	connector := Entity{Name: "r1:55672-0", Attrs: map[string]any{"addr": "r1", "port": int64(55672), "role": RoleInterRouter}}
	assert.Equal(t, "r1:55672", connector.HostPort())
	assert.Equal(t, "connector r1:55672-0 (r1:55672)", Connector.Describe(connector))
	assert.Equal(t, "connector", Connector.TypeName())
	assert.Equal(t, "org.apache.qpid.dispatch.router.config.address", Address.TypeName())
	assert.Equal(t, "linkroutes", LinkRoute.String())

	body := Entity{Name: "ragent-a", Attrs: map[string]any{"name": "ragent-a", "identity": "1", "prefix": "a"}}.Body()
	assert.Equal(t, map[string]any{"prefix": "a"}, body)
}

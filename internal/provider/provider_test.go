package provider

import (
	"context"
	"testing"

	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) DiscoverPanos(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error) {
	return nil, nil
}
func (s stubProvider) Augment(ctx context.Context, pano model.RawPano) (any, error) { return nil, nil }
func (s stubProvider) FetchImage(ctx context.Context, task model.FetchTask) error   { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{name: "gsv"})
	r.Register(stubProvider{name: "mly"})

	p, ok := r.Get("gsv")
	require.True(t, ok)
	assert.Equal(t, "gsv", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_AllPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{name: "gsv"})
	r.Register(stubProvider{name: "mly"})

	assert.Equal(t, []string{"gsv", "mly"}, r.AllNames())
}

func TestRegistry_ReRegisterOverwritesButKeepsPosition(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{name: "gsv"})
	r.Register(stubProvider{name: "mly"})
	r.Register(stubProvider{name: "gsv"})

	assert.Equal(t, []string{"gsv", "mly"}, r.AllNames())
	assert.Len(t, r.All(), 2)
}

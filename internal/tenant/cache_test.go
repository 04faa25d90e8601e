package tenant

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutGetEvict(t *testing.T) {
	c := NewCache()
	tn := &Tenant{ID: uuid.New(), Name: "acme", UpdatedAt: time.Now()}

	c.Put(tn)

	byName, hit, _ := c.Get("acme")
	require.True(t, hit)
	byID, hit, _ := c.Get(tn.ID.String())
	require.True(t, hit)
	assert.Same(t, byName, byID)

	c.Evict(tn)
	_, hit, _ = c.Get("acme")
	assert.False(t, hit)
	_, hit, _ = c.Get(tn.ID.String())
	assert.False(t, hit)
}

func TestCacheSamplesEveryNthRead(t *testing.T) {
	c := NewCache()
	tn := &Tenant{ID: uuid.New(), Name: "acme"}
	c.Put(tn)

	samples := 0
	for i := 0; i < sampleEvery*2; i++ {
		_, hit, sample := c.Get("acme")
		require.True(t, hit)
		if sample {
			samples++
		}
	}
	assert.Equal(t, 2, samples)
}

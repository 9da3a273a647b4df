package services

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/white/activity-engine/internal/models"
)

func TestRegistry_StoresCopies(t *testing.T) {
	r := NewRegistry()
	a := &models.Activity{ID: "a1", Subject: "Intro", Tags: []string{"vip"}}
	r.Put(a)

	a.Subject = "changed"
	a.Tags[0] = "changed"

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "Intro", got.Subject)
	assert.Equal(t, []string{"vip"}, got.Tags)

	got.Subject = "mutated"
	again, _ := r.Get("a1")
	assert.Equal(t, "Intro", again.Subject)
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Put(&models.Activity{ID: "a1"})
	r.Put(&models.Activity{ID: "a2"})

	r.Remove("a1")
	r.Remove("missing")

	_, ok := r.Get("a1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				id := fmt.Sprintf("a-%d-%d", i, j)
				r.Put(&models.Activity{ID: id})
				r.Get(id)
				if j%2 == 0 {
					r.Remove(id)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*50, r.Len())
}

func TestRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	r := NewRegistryWithCapacity(2)
	r.Put(&models.Activity{ID: "a1"})
	r.Put(&models.Activity{ID: "a2"})

	// reading a1 makes a2 the eviction candidate
	_, ok := r.Get("a1")
	require.True(t, ok)
	r.Put(&models.Activity{ID: "a3"})

	assert.Equal(t, 2, r.Len())
	_, ok = r.Get("a2")
	assert.False(t, ok)
	_, ok = r.Get("a1")
	assert.True(t, ok)
	_, ok = r.Get("a3")
	assert.True(t, ok)
}

func TestNewRegistryWithCapacity_DefaultsNonPositive(t *testing.T) {
	r := NewRegistryWithCapacity(0)
	for i := range 50 {
		r.Put(&models.Activity{ID: fmt.Sprintf("a%d", i)})
	}
	assert.Equal(t, 50, r.Len())
}

package hidsvc

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDev(id uuid.UUID, product string) *hiddev.Device {
	dev := hiddev.New(id, "/dev/hidraw-test", nil, nil)
	dev.UsagePage = DefaultUsagePage
	dev.Product = product
	return dev
}

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	assert.False(t, r.Contains(id))
	r.Insert(id, testDev(id, "widget"))
	assert.True(t, r.Contains(id))

	dev, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "widget", dev.Product)

	removed, ok := r.Remove(id)
	require.True(t, ok)
	assert.Equal(t, "widget", removed.Product)
	assert.False(t, r.Contains(id))
}

func TestRegistryRemoveAbsentIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.Insert(id, testDev(id, "widget"))

	_, ok := r.Remove(id)
	require.True(t, ok)
	_, ok = r.Remove(id)
	assert.False(t, ok)
	_, ok = r.Remove(uuid.New())
	assert.False(t, ok)
}

func TestRegistryUpsertLastWriteWins(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	r.Insert(id, testDev(id, "first"))
	r.Insert(id, testDev(id, "second"))

	dev, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "second", dev.Product)
	assert.Equal(t, 1, r.Size())
}

func TestRegistrySnapshots(t *testing.T) {
	r := NewRegistry()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		r.Insert(id, testDev(id, "widget"))
	}

	assert.Len(t, r.All(), 3)
	assert.ElementsMatch(t, ids, r.Keys())
}

func TestRegistryConcurrentDisjointKeys(t *testing.T) {
	r := NewRegistry()
	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	idSets := make([][]uuid.UUID, workers)
	for w := 0; w < workers; w++ {
		idSets[w] = make([]uuid.UUID, perWorker)
		for i := range idSets[w] {
			idSets[w][i] = uuid.New()
		}
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(ids []uuid.UUID) {
			defer wg.Done()
			for _, id := range ids {
				r.Insert(id, testDev(id, "widget"))
			}
			// Remove every other id; no update on a disjoint key may
			// be lost.
			for i := 0; i < len(ids); i += 2 {
				_, ok := r.Remove(ids[i])
				if !ok {
					t.Errorf("lost insert for %s", ids[i])
				}
			}
		}(idSets[w])
	}
	wg.Wait()

	require.Equal(t, workers*perWorker/2, r.Size())
	for w := 0; w < workers; w++ {
		for i, id := range idSets[w] {
			assert.Equal(t, i%2 == 1, r.Contains(id))
		}
	}
}

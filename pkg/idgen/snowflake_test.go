package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextID_UniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NextID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestGenerateNo(t *testing.T) {
	dlv := GenerateDeliveryNo()
	assert.True(t, strings.HasPrefix(dlv, "DLV"))
	assert.Len(t, dlv, 3+14+8)

	alt := GenerateAlertNo()
	assert.True(t, strings.HasPrefix(alt, "ALT"))
	assert.NotEqual(t, dlv[3:], alt[3:])
}

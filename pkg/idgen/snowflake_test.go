package idgen

import (
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDUnique(t *testing.T) {
	Init(1)

	seen := make(map[int64]bool)
	for i := 0; i < 10000; i++ {
		id := NextID()
		require.False(t, seen[id], "重复ID: %d", id)
		seen[id] = true
	}
}

func TestNextIDConcurrent(t *testing.T) {
	Init(1)

	const goroutines = 10
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				ids = append(ids, NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				assert.False(t, seen[id], "重复ID: %d", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestGenerateRecordNo(t *testing.T) {
	no := GenerateRecordNo()
	assert.True(t, strings.HasPrefix(no, "TKN"))
	// TKN + 14位时间 + 8位数字
	assert.Len(t, no, 3+14+8)
}

var batchIDPattern = regexp.MustCompile(`^batch_batchopen_100_\d+_\d{6}$`)

func TestGenerateBatchID(t *testing.T) {
	id := GenerateBatchID("BATCHOPEN", 100)
	assert.True(t, batchIDPattern.MatchString(id), "批次ID格式不符: %s", id)
}

func TestGenerateBatchIDCollisionRate(t *testing.T) {
	// 唯一性是统计意义上的（同毫秒内靠6位随机数区分），
	// 真正的兜底在落库前的存在性校验，这里只验证碰撞率足够低
	seen := make(map[string]int)
	collisions := 0
	for i := 0; i < 1000; i++ {
		id := GenerateBatchID("SITERANK", 42)
		if seen[id] > 0 {
			collisions++
		}
		seen[id]++
	}
	assert.Less(t, collisions, 20)
}

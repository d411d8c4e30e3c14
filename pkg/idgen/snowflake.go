package idgen

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 流水号要求：
//   1. 全局唯一 - 不能重复
//   2. 趋势递增 - 便于数据库索引
//   3. 高性能 - 支持高并发生成
//
// 【雪花算法结构】64位
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 起始时间戳（2024-01-01 00:00:00 UTC）
	workerIDBits   = 10                   // 机器ID位数
	sequenceBits   = 12                   // 序列号位数
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// Snowflake 雪花算法ID生成器
type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// Init 初始化默认ID生成器
func Init(workerID int64) {
	once.Do(func() {
		if workerID < 0 || workerID > maxWorkerID {
			log.Fatalf("workerID 必须在 0-%d 之间", maxWorkerID)
		}
		defaultGenerator = &Snowflake{
			workerID:  workerID,
			timestamp: 0,
			sequence:  0,
		}
	})
}

// NextID 生成下一个ID
func NextID() int64 {
	if defaultGenerator == nil {
		Init(1) // 默认使用 workerID = 1
	}
	return defaultGenerator.Generate()
}

// Generate 生成ID
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		// 同一毫秒内，序列号递增
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		// 不同毫秒，序列号重置
		s.sequence = 0
	}

	s.timestamp = now

	id := ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence

	return id
}

// GenerateRecordNo 生成用量流水号
// 格式：TKN + 年月日时分秒 + 雪花ID后8位
// 例如：TKN20240115143052_12345678
func GenerateRecordNo() string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("TKN%s%08d", timestamp, id%100000000)
}

const batchRandDigits = 1000000

// GenerateBatchID 生成批次ID
// 格式：batch_{feature}_{用户ID}_{毫秒时间戳}_{6位随机数}
// 时间戳+随机后缀在统计意义上足够唯一，真正的唯一性由调用方落库前校验兜底
func GenerateBatchID(feature string, userID int64) string {
	return fmt.Sprintf("batch_%s_%d_%d_%06d",
		strings.ToLower(feature),
		userID,
		time.Now().UnixMilli(),
		rand.Intn(batchRandDigits),
	)
}

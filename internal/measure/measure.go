package measure

import (
	"math"
	"time"
)

// Elapsed 计算从 start 到 now 的耗时，时钟回拨时返回 0
func Elapsed(start, now time.Time) time.Duration {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// Progress 计算进度比例 min(elapsed/max, 1)，结果始终在 [0,1] 内
func Progress(elapsed, max time.Duration) float64 {
	if max <= 0 {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	p := float64(elapsed) / float64(max)
	if p > 1 {
		return 1
	}
	return p
}

// Bitrate 计算瞬时比特率 floor(bytes / (elapsedMs/1000) * 8)
// elapsed 为 0 时返回 0，不会出现除零
func Bitrate(bytes int64, elapsed time.Duration) int64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 || bytes <= 0 {
		return 0
	}
	return int64(math.Floor(float64(bytes) / (float64(ms) / 1000) * 8))
}

// Mean 算术平均值，空切片返回 0
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

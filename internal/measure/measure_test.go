package measure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBitrateZeroElapsed(t *testing.T) {
	assert.Equal(t, int64(0), Bitrate(1_000_000, 0))
	assert.Equal(t, int64(0), Bitrate(1_000_000, -time.Second))
	assert.Equal(t, int64(0), Bitrate(1_000_000, 500*time.Microsecond))
}

func TestBitrate(t *testing.T) {
	// 1MB / 1s = 8Mbit/s
	assert.Equal(t, int64(8_000_000), Bitrate(1_000_000, time.Second))
	// 1000 字节 / 3ms = 2666666.66.. -> floor
	assert.Equal(t, int64(2_666_666), Bitrate(1000, 3*time.Millisecond))
	assert.Equal(t, int64(0), Bitrate(0, time.Second))
}

func TestProgressClamped(t *testing.T) {
	max := 4 * time.Second
	cases := []struct {
		elapsed time.Duration
		want    float64
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Second, 0.25},
		{max, 1},
		{10 * max, 1},
	}
	for _, c := range cases {
		got := Progress(c.elapsed, max)
		assert.InDelta(t, c.want, got, 1e-9, "elapsed=%v", c.elapsed)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
	assert.Equal(t, 1.0, Progress(time.Second, 0))
}

func TestElapsed(t *testing.T) {
	start := time.Now()
	assert.Equal(t, 2*time.Second, Elapsed(start, start.Add(2*time.Second)))
	assert.Equal(t, time.Duration(0), Elapsed(start, start.Add(-time.Second)))
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 20.0, Mean([]float64{10, 20, 30}))
}

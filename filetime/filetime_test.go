package filetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2024, 3, 1, 12, 30, 45, 123456700, time.UTC)
	assert.True(now.Equal(Time(Timestamp(now))))
	assert.Equal(uint64(epochDelta), Timestamp(time.Unix(0, 0)))
	assert.Equal(uint64(0), Timestamp(time.Time{}))
	assert.True(Time(0).IsZero())

	low, high := Split(0x0123456789ABCDEF)
	assert.Equal(uint32(0x89ABCDEF), low)
	assert.Equal(uint32(0x01234567), high)
}

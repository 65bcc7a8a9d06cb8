package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapDown(t *testing.T) {
	assert.Equal(t, 0.123, SnapDown(0.12345, 0.001))
	assert.Equal(t, 27123.5, SnapDown(27123.7, 0.5))
	assert.Equal(t, 5.0, SnapDown(5.0, 0.5), "already snapped value stays put")
	assert.Equal(t, 1.234, SnapDown(1.234, 0), "zero step is a no-op")
}

func TestSnapDownIdempotent(t *testing.T) {
	once := SnapDown(0.123456789, 0.0001)
	assert.Equal(t, once, SnapDown(once, 0.0001))
}

func TestSnapNearest(t *testing.T) {
	assert.Equal(t, 27124.0, SnapNearest(27123.8, 0.5))
	assert.Equal(t, 27123.5, SnapNearest(27123.6, 0.5))
	assert.Equal(t, 0.1, SnapNearest(0.1, 0.1))
}

func TestFormatQty(t *testing.T) {
	assert.Equal(t, "0.123", FormatQty(0.12399, 0.001))
	assert.Equal(t, "12", FormatQty(12.7, 1))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "27123.5", FormatPrice(27123.5, 0.5))
	assert.Equal(t, "0.01", FormatPrice(0.0100000001, 0.01))
}

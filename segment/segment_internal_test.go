package segment

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFitsOffsetWidth(t *testing.T) {
	require.True(t, fitsOffsetWidth(48))
	require.True(t, fitsOffsetWidth(math.MaxUint32))
	require.False(t, fitsOffsetWidth(math.MaxUint32+1))
}

package lcsdiff

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRatioIdentical(t *testing.T) {
	lines := []string{"a", "b", "c"}
	require.Equal(t, 1.0, Ratio(lines, lines))
}

func TestRatioDisjoint(t *testing.T) {
	require.Equal(t, 0.0, Ratio([]string{"a", "b"}, []string{"x", "y"}))
}

func TestBestWindowMatchFindsClosestWindow(t *testing.T) {
	haystack := []string{"foo", "bar", "baz", "qux"}
	needle := []string{"bar", "baz"}
	start, ratio := BestWindowMatch(needle, haystack)
	require.Equal(t, 1, start)
	require.Equal(t, 1.0, ratio)
}

func TestBestWindowMatchPartial(t *testing.T) {
	haystack := []string{"foo", "bar", "baz"}
	needle := []string{"bar", "bazzz"}
	_, ratio := BestWindowMatch(needle, haystack)
	require.Greater(t, ratio, 0.0)
	require.Less(t, ratio, 1.0)
}

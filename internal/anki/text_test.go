package anki

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	require.Equal(t, "huis", CleanText("huis[sound:huis.mp3]"))
	require.Equal(t, "the house", CleanText("<b>the</b> <i>house</i>"))
	require.Equal(t, "plain", CleanText("  plain  "))
	require.Equal(t, "", CleanText("[sound:only.mp3]"))
}

func TestMediaRefs(t *testing.T) {
	refs := MediaRefs("huis[sound:huis.mp3]", "[sound:house.mp3] and again [sound:huis.mp3]")
	require.Equal(t, []string{"huis.mp3", "house.mp3"}, refs)

	require.Empty(t, MediaRefs("no media here"))
}

package youtube

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVideoShapes(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":        "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10s":  "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                       "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?t=5":                    "dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/dQw4w9WgXcQ":          "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":           "dQw4w9WgXcQ",
		"https://www.youtube.com/v/dQw4w9WgXcQ":               "dQw4w9WgXcQ",
		"https://www.youtube.com/live/dQw4w9WgXcQ":            "dQw4w9WgXcQ",
		"  https://youtu.be/dQw4w9WgXcQ  ":                    "dQw4w9WgXcQ",
	}
	for in, want := range cases {
		got := Parse(in)
		require.Equal(t, KindVideo, got.Kind, in)
		require.Equal(t, want, got.VideoID, in)
	}
}

func TestParsePlaylist(t *testing.T) {
	for _, in := range []string{
		"https://www.youtube.com/playlist?list=PLtest",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLtest",
	} {
		require.Equal(t, KindPlaylist, Parse(in).Kind, in)
	}
}

func TestParseChannel(t *testing.T) {
	for _, in := range []string{
		"https://www.youtube.com/channel/UC123",
		"https://www.youtube.com/c/SomeChannel",
		"https://www.youtube.com/@SomeHandle",
		"https://www.youtube.com/user/SomeUser",
	} {
		require.Equal(t, KindChannel, Parse(in).Kind, in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"https://example.com/watch?v=x",
		"not a url at all \x7f",
		"https://www.youtube.com/",
	} {
		require.Equal(t, KindInvalid, Parse(in).Kind, in)
	}
}

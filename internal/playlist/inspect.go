package playlist

import (
	"strings"

	"github.com/grafov/m3u8"
)

// Kind label values.
const (
	KindMaster  = "master"
	KindMedia   = "media"
	KindUnknown = "unknown"
)

// Summary describes a playlist for logs and metrics.
type Summary struct {
	Kind string
	// Entries is the variant count of a master playlist or the segment count
	// of a media playlist.
	Entries int
}

// Inspect decodes body leniently to tell master from media playlists. It
// never fails: bodies the decoder rejects are reported as KindUnknown, and
// they are still rewritten line by line.
func Inspect(body string) Summary {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(body), false)
	if err != nil {
		return Summary{Kind: KindUnknown}
	}
	switch listType {
	case m3u8.MASTER:
		if mp, ok := p.(*m3u8.MasterPlaylist); ok {
			return Summary{Kind: KindMaster, Entries: len(mp.Variants)}
		}
	case m3u8.MEDIA:
		if mp, ok := p.(*m3u8.MediaPlaylist); ok {
			return Summary{Kind: KindMedia, Entries: int(mp.Count())}
		}
	}
	return Summary{Kind: KindUnknown}
}

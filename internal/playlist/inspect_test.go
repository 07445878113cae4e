package playlist

import "testing"

func TestInspect(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantKind    string
		wantEntries int
	}{
		{
			name: "master",
			body: "#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n360p.m3u8\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=1280x720\n720p.m3u8\n",
			wantKind:    KindMaster,
			wantEntries: 2,
		},
		{
			name: "media",
			body: "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n" +
				"#EXTINF:10.0,\nseg-0.ts\n#EXTINF:10.0,\nseg-1.ts\n#EXTINF:9.5,\nseg-2.ts\n#EXT-X-ENDLIST\n",
			wantKind:    KindMedia,
			wantEntries: 3,
		},
		{
			name:     "not a playlist",
			body:     "<html>blocked</html>",
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Inspect(tt.body)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.Entries != tt.wantEntries {
				t.Errorf("Entries = %d, want %d", got.Entries, tt.wantEntries)
			}
		})
	}
}

package relay

import (
	"net/http"
	"testing"
)

func TestParsePointer(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		contentType string
		content     string
		want        string
		wantErr     bool
	}{
		{
			name:        "pls",
			url:         "http://www.liveatc.net/play/kjfk_twr.pls",
			contentType: "audio/x-scpls",
			content:     "[playlist]\nFile1=http://d.liveatc.net/kjfk_twr\nTitle1=KJFK\n",
			want:        "http://d.liveatc.net/kjfk_twr",
		},
		{
			name:    "pls keeps query string",
			url:     "http://x/a.pls",
			content: "[playlist]\r\nFile1=http://d.liveatc.net/kjfk_twr?nocache=1&a=b\r\n",
			want:    "http://d.liveatc.net/kjfk_twr?nocache=1&a=b",
		},
		{
			name:    "pls without entries",
			url:     "http://x/a.pls",
			content: "[playlist]\nNumberOfEntries=0\n",
			wantErr: true,
		},
		{
			name:    "m3u",
			url:     "http://x/a.m3u",
			content: "#EXTM3U\n#EXTINF:-1,KBOS\n\nhttps://d.liveatc.net/kbos_twr\n",
			want:    "https://d.liveatc.net/kbos_twr",
		},
		{
			name:    "bare url list",
			url:     "http://x/listen",
			content: "http://d.liveatc.net/egll_app\n",
			want:    "http://d.liveatc.net/egll_app",
		},
		{
			name:    "html page",
			url:     "http://x/listen",
			content: "<html>nope</html>",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePointer(tt.url, tt.contentType, tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePointer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parsePointer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsAudioType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"audio/mpeg", true},
		{"audio/aacp", true},
		{"application/octet-stream", true},
		{"audio/x-scpls", false},
		{"audio/x-mpegurl", false},
		{"text/html; charset=utf-8", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isAudioType(tt.contentType); got != tt.want {
			t.Errorf("isAudioType(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestIsStreamResponse(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	if isStreamResponse(h) {
		t.Error("plain text reported as stream")
	}
	h.Set("icy-metaint", "16000")
	if !isStreamResponse(h) {
		t.Error("icy-metaint response not reported as stream")
	}
}

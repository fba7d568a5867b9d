package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxPointerSize bounds how much of a playlist pointer is read.
const maxPointerSize = 64 << 10

var errNoStreamEntry = errors.New("no stream entry in playlist")

// parsePLS returns the first File entry of a PLS playlist.
func parsePLS(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "File") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(strings.TrimPrefix(key, "File")) == "" {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value, nil
		}
	}
	return "", errNoStreamEntry
}

// parseM3U returns the first http(s) line of an M3U playlist.
func parseM3U(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isHTTPURL(line) {
			return line, nil
		}
	}
	return "", errNoStreamEntry
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isPlaylistType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range []string{"audio/x-scpls", "application/pls+xml", "audio/mpegurl", "audio/x-mpegurl", "application/vnd.apple.mpegurl"} {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// isAudioType reports whether an upstream Content-Type can be relayed.
func isAudioType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if isPlaylistType(ct) {
		return false
	}
	return strings.Contains(ct, "audio/") || strings.Contains(ct, "application/octet-stream")
}

// isStreamResponse reports whether a pointer response already is the stream.
func isStreamResponse(header http.Header) bool {
	return header.Get("icy-metaint") != "" || isAudioType(header.Get("Content-Type"))
}

// parsePointer extracts the stream URL from a PLS or M3U playlist body.
func parsePointer(pointerURL, contentType, content string) (string, error) {
	ct := strings.ToLower(contentType)
	path := strings.ToLower(pointerURL)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	isM3U := strings.Contains(ct, "mpegurl") ||
		strings.HasSuffix(path, ".m3u") ||
		strings.HasSuffix(path, ".m3u8") ||
		strings.Contains(content, "#EXTM3U") ||
		isHTTPURL(strings.TrimSpace(content))
	isPLS := strings.Contains(ct, "scpls") ||
		strings.Contains(ct, "pls+xml") ||
		strings.HasSuffix(path, ".pls") ||
		strings.Contains(content, "[playlist]") ||
		strings.Contains(content, "File1=")

	switch {
	case isPLS:
		return parsePLS(content)
	case isM3U:
		return parseM3U(content)
	}
	return "", errNoStreamEntry
}

func readPointer(body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxPointerSize))
	if err != nil {
		return "", fmt.Errorf("failed to read playlist: %w", err)
	}
	return string(data), nil
}

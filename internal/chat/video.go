package chat

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/fpang/socratic-discovery/internal/discovery"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// youTubeID extracts the video ID from watch, short-link, shorts, embed, and
// live URLs. It returns "" when no valid ID is present.
func youTubeID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = firstSegment(u.Path)
	case "youtube.com", "youtube-nocookie.com", "music.youtube.com":
		if u.Path == "/watch" {
			id = u.Query().Get("v")
			break
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/live/", "/v/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id = firstSegment(strings.TrimPrefix(u.Path, prefix))
				break
			}
		}
	}

	if !videoIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i != -1 {
		return path[:i]
	}
	return path
}

// normalizeVideos canonicalizes each suggested video and drops entries
// without a recognizable video ID. Either url or embedUrl may carry the ID.
func normalizeVideos(videos []discovery.YouTubeVideo) []discovery.YouTubeVideo {
	var out []discovery.YouTubeVideo
	for _, v := range videos {
		id := youTubeID(v.URL)
		if id == "" {
			id = youTubeID(v.EmbedURL)
		}
		if id == "" {
			continue
		}
		v.URL = "https://www.youtube.com/watch?v=" + id
		v.EmbedURL = "https://www.youtube.com/embed/" + id
		if v.Thumbnail == "" {
			v.Thumbnail = "https://img.youtube.com/vi/" + id + "/hqdefault.jpg"
		}
		v.Title = strings.TrimSpace(v.Title)
		out = append(out, v)
	}
	return out
}

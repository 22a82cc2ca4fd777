package ingest

import (
	"regexp"
	"strconv"

	"github.io/infrasutra/listrelay/internal/inbound"
)

var (
	headerMarkerPattern = regexp.MustCompile(`<(\d+)_([0-9a-f]{6})_`)
	bodyMarkerPattern   = regexp.MustCompile(`(?i)id:\s*(\d+)_([0-9a-f]{6})`)
)

// marker is a message id and code hash pair lifted from a header or body.
type marker struct {
	id   int64
	hash string
}

func headerMarker(value string) (marker, bool) {
	return match(headerMarkerPattern.FindStringSubmatch(value))
}

func bodyMarker(value string) (marker, bool) {
	return match(bodyMarkerPattern.FindStringSubmatch(value))
}

func match(groups []string) (marker, bool) {
	if len(groups) != 3 {
		return marker{}, false
	}
	id, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return marker{}, false
	}
	return marker{id: id, hash: groups[2]}, true
}

// bodyMarkerIn scans the text part first, then the HTML part.
func bodyMarkerIn(email *inbound.Email) (marker, bool) {
	body := ExtractBody(email)
	for _, candidate := range []string{body.Text, body.HTML} {
		if m, ok := bodyMarker(candidate); ok {
			return m, true
		}
	}
	return marker{}, false
}

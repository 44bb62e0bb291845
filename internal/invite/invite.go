// Package invite builds and parses invitation links of the form
//
//	<origin>/share/<room>?key=<urlencoded-base64-key>
//
// The room token and the encoded key are the only state a receiver needs.
package invite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const sharePrefix = "/share/"

// ErrInvalidLink is returned by Parse for links without a room or key.
var ErrInvalidLink = errors.New("invalid invitation link")

// Link is a parsed invitation.
type Link struct {
	Origin string
	Room   string
	Key    string // exported key, query-unescaped but otherwise as sent
}

// Build returns the invitation link for room and encodedKey under origin.
func Build(origin, room, encodedKey string) string {
	return strings.TrimRight(origin, "/") + sharePrefix + url.PathEscape(room) + "?key=" + url.QueryEscape(encodedKey)
}

// Parse extracts the room and key from a link produced by Build.
func Parse(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	idx := strings.Index(u.Path, sharePrefix)
	if idx < 0 {
		return Link{}, fmt.Errorf("%w: missing %s path", ErrInvalidLink, sharePrefix)
	}
	room := strings.Trim(u.Path[idx+len(sharePrefix):], "/")
	if room == "" || strings.Contains(room, "/") {
		return Link{}, fmt.Errorf("%w: missing room", ErrInvalidLink)
	}

	key := u.Query().Get("key")
	if key == "" {
		return Link{}, fmt.Errorf("%w: missing key", ErrInvalidLink)
	}

	origin := ""
	if u.Scheme != "" && u.Host != "" {
		origin = u.Scheme + "://" + u.Host + u.Path[:idx]
	}

	return Link{Origin: origin, Room: room, Key: key}, nil
}

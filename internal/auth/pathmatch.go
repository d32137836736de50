package auth

import (
	"path"
	"strings"
)

// MatchPattern reports whether p matches an Ant-style pattern: `?` matches
// one character, `*` any run of characters within a segment and `**` any
// number of whole segments.
func MatchPattern(pattern, p string) bool {
	return matchSegments(splitPath(pattern), splitPath(p))
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// Collapse consecutive ** and try every split point.
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// Whitelist is a compiled list of Ant-style path patterns.
type Whitelist []string

// Match reports whether p matches any pattern.
func (w Whitelist) Match(p string) bool {
	for _, pattern := range w {
		if MatchPattern(pattern, p) {
			return true
		}
	}
	return false
}

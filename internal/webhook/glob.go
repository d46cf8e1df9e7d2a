package webhook

import "strings"

// globMatch matches a stream path against a subscription pattern. Supports
// `*` (one path segment) and `**` (zero or more segments), unchanged from
// the teacher's consumer-subscription matcher.
func globMatch(pattern, path string) bool {
	patternParts := splitPath(pattern)
	pathParts := splitPath(path)
	return matchParts(patternParts, 0, pathParts, 0)
}

func splitPath(p string) []string {
	p = strings.TrimLeft(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchParts(pattern []string, pi int, path []string, si int) bool {
	for pi < len(pattern) && si < len(path) {
		seg := pattern[pi]

		if seg == "**" {
			for i := si; i <= len(path); i++ {
				if matchParts(pattern, pi+1, path, i) {
					return true
				}
			}
			return false
		}

		if seg == "*" {
			pi++
			si++
			continue
		}

		decoded := strings.ReplaceAll(seg, "%2A", "*")
		decoded = strings.ReplaceAll(decoded, "%2a", "*")
		if decoded != path[si] {
			return false
		}
		pi++
		si++
	}

	for pi < len(pattern) && pattern[pi] == "**" {
		pi++
	}

	return pi == len(pattern) && si == len(path)
}

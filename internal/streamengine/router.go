package streamengine

import (
	"regexp"
	"strings"
)

// RouteDef is one entry of a router descriptor: a concrete path pattern
// (e.g. "/chat/:chatId") bound to a schema key (spec §4.2 "Router pattern
// registration").
type RouteDef struct {
	Pattern   string
	SchemaKey string
}

// Router compiles RouteDefs into anchored regexes once at registration time,
// the way the teacher precompiles its ttlRegex at package init rather than
// per request.
type Router struct {
	compiled []compiledRoute
}

type compiledRoute struct {
	re        *regexp.Regexp
	schemaKey string
}

var segmentRe = regexp.MustCompile(`:[^/]+`)

// NewRouter compiles the given route definitions in order; the first match
// wins (spec §4.2: "the first matching pattern supplies it").
func NewRouter(defs []RouteDef) (*Router, error) {
	r := &Router{}
	for _, d := range defs {
		pattern := regexp.QuoteMeta(d.Pattern)
		// QuoteMeta leaves ':' and '/' alone, so the :segment markers survive
		// quoting and are replaced by a one-segment match.
		pattern = segmentRe.ReplaceAllString(pattern, `[^/]+`)
		pattern = "^" + strings.ReplaceAll(pattern, "//", "/") + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		r.compiled = append(r.compiled, compiledRoute{re: re, schemaKey: d.SchemaKey})
	}
	return r, nil
}

// Match returns the schema key for the first pattern matching path, and
// whether any pattern matched.
func (r *Router) Match(path string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, c := range r.compiled {
		if c.re.MatchString(path) {
			return c.schemaKey, true
		}
	}
	return "", false
}

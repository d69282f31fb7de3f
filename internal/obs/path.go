package obs

import "strings"

// CanonicalPath collapses resource identifiers out of metric label values to
// keep cardinality bounded. Only paths with a known id segment are rewritten.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "sessions":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "users":
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "roles" {
			parts[4] = ":name"
		}
	case len(parts) >= 3 && parts[0] == "v1" && parts[1] == "roles":
		parts[2] = ":name"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}

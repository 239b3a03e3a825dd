package workspace

import (
	"fmt"
	"regexp"
)

var identityPattern = regexp.MustCompile(`^([a-zA-Z0-9\-_.]+)/([a-zA-Z0-9\-_.]+)(:[a-zA-Z0-9\-_.]+)?$`)

// Identity names a repository on the host. An empty Ref selects the default branch.
type Identity struct {
	Owner string
	Name  string
	Ref   string
}

// ParseIdentity parses "owner/name" or "owner/name:branch".
func ParseIdentity(s string) (Identity, error) {
	m := identityPattern.FindStringSubmatch(s)
	if m == nil {
		return Identity{}, fmt.Errorf("parse repository %q: %w", s, ErrInvalidName)
	}
	id := Identity{Owner: m[1], Name: m[2]}
	if m[3] != "" {
		id.Ref = m[3][1:]
	}
	return id, nil
}

func (id Identity) String() string {
	if id.Ref == "" {
		return id.Owner + "/" + id.Name
	}
	return id.Owner + "/" + id.Name + ":" + id.Ref
}

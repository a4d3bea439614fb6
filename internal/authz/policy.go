// Package authz evaluates the authorization policy the routing layer
// consults: it loads a flat user-id to role JSON file and answers the one
// question the core asks, whether a user holds the admin capability that
// force-mode creates require.
package authz

import (
	"encoding/json"
	"os"

	"github.com/pka/hecate/internal/errs"
)

// Role is a user's capability level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}

// Policy maps user ids to roles, loaded from the --auth JSON file.
type Policy struct {
	roles map[int64]Role
}

// policyFile is the on-disk shape: {"users": [{"id": 1, "role": "admin"}]}.
type policyFile struct {
	Users []struct {
		ID   int64  `json:"id"`
		Role string `json:"role"`
	} `json:"users"`
}

// Load reads and parses the policy file at path. An empty path yields a
// Policy where no user is an admin (force mode is always forbidden).
func Load(path string) (*Policy, error) {
	p := &Policy{roles: make(map[int64]Role)}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read auth policy file", err)
	}
	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to parse auth policy file", err)
	}
	for _, u := range pf.Users {
		role := Role(u.Role)
		if !role.valid() {
			return nil, errs.New(errs.Internal, "auth policy file contains an invalid role")
		}
		p.roles[u.ID] = role
	}
	return p, nil
}

// IsAdmin reports whether userID holds the admin role, the capability
// gating force-mode creates.
func (p *Policy) IsAdmin(userID int64) bool {
	return p.roles[userID] == RoleAdmin
}

package core

// Role is a coarse permission tier carried by a principal.
type Role string

const (
	RoleDeveloper Role = "DEVELOPER"
	RoleManager   Role = "MANAGER"
)

// Principal is the resolved identity for a single request. It is rebuilt
// from the bearer token on every call and never cached between requests,
// so a directory change takes effect on the next request.
type Principal struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Groups      []string `json:"groups"`
	Projects    []string `json:"projects"`
	Roles       []Role   `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// HasProject reports whether the principal is entitled to the project.
func (p *Principal) HasProject(projectID string) bool {
	for _, have := range p.Projects {
		if have == projectID {
			return true
		}
	}
	return false
}

// Message is a single chat turn in the OpenAI wire shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

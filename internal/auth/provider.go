package auth

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"` // kernel-level role: "admin" or "user"
}

// IsAdmin reports whether the identity carries the kernel admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Role == "admin"
}

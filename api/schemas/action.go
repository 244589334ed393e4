package schemas

import (
	"encoding/json"
	"fmt"
)

// ActionName identifies one of the capabilities a provider may implement.
type ActionName string

const (
	ActionConnect  ActionName = "connect"
	ActionCancel   ActionName = "cancel"
	ActionResume   ActionName = "resume"
	ActionRegister ActionName = "register"
)

// ParseActionName validates a name received from the CLI, the API or the queue.
func ParseActionName(s string) (ActionName, error) {
	switch a := ActionName(s); a {
	case ActionConnect, ActionCancel, ActionResume, ActionRegister:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Cookie is a browser cookie in a storage friendly shape.
// Expires is seconds since the Unix epoch; zero or negative means a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ActionReturn is what an automation script hands back before persistence.
// Token is an opaque provider blob persisted verbatim.
type ActionReturn struct {
	Cookies []Cookie        `json:"cookies,omitempty"`
	Token   json.RawMessage `json:"token,omitempty"`
	Data    Subscriptions   `json:"data,omitempty"`
}

// Credentials are the per provider login details.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Empty reports whether no usable credentials were supplied.
func (c Credentials) Empty() bool {
	return c.Email == "" && c.Password == ""
}

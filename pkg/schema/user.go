package schema

import (
	"fmt"
	"time"
)

// User is an account record reported by an adapter.
type User struct {
	ID          string                 `json:"id"`
	Adapter     string                 `json:"adapter"`
	Client      string                 `json:"client"`
	Username    string                 `json:"username,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Mail        string                 `json:"mail,omitempty"`
	DisplayName string                 `json:"display_name,omitempty"`
	IsAdmin     bool                   `json:"is_admin,omitempty"`
	Enabled     bool                   `json:"enabled"`
	LastLogon   time.Time              `json:"last_logon,omitempty"`
	Groups      []string               `json:"groups,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

func (u *User) Key() string {
	return u.Adapter + "/" + u.Client + "/" + u.ID
}

func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user has no id")
	}
	return nil
}

func (u *User) SetExtra(name string, value interface{}) {
	if u.Extra == nil {
		u.Extra = make(map[string]interface{})
	}
	u.Extra[name] = value
}

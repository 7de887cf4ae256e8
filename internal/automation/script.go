//go:build !no_automation

package automation

// ScriptMeta is read from an optional first line of the form
// -- {"name": "...", "enabled": false}
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation loaded from the scripts directory.
type Script struct {
	ID   string     `json:"id"` // filename stem (no .lua)
	Meta ScriptMeta `json:"meta"`
	Code string     `json:"-"`
	Path string     `json:"-"`
}

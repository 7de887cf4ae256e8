package store

import "time"

// Entry is a configured thermostat connection.
type Entry struct {
	ID        string    `json:"id"`
	UniqueID  string    `json:"unique_id"`
	Title     string    `json:"title"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Disabled  bool      `json:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is the last known identity of the thermostat behind an entry. It is
// kept so the device can be shown while the thermostat is offline.
type Device struct {
	EntryID      string    `json:"entry_id"`
	MAC          string    `json:"mac"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model,omitempty"`
	HWVersion    string    `json:"hw_version,omitempty"`
	SWVersion    string    `json:"sw_version,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

package models

// PeerDevice is a remote device known from a discovery scan or the bonded list.
type PeerDevice struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
	Bonded      bool   `json:"bonded"`
}

// Label returns the display name, falling back to the address.
func (p PeerDevice) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Address
}

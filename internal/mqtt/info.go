package mqtt

import (
	"time"

	"github.com/nugget/tadpole/internal/buildinfo"
)

// Info is the retained payload of the info topic. Consumers use it to
// tell which process owns a prefix and whether it restarted.
type Info struct {
	InstanceID string    `json:"instance_id"`
	ClientID   string    `json:"client_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	GitCommit  string    `json:"git_commit,omitempty"`
	Started    time.Time `json:"started"`
}

// NewInfo describes this process.
func NewInfo(instanceID, clientID string) Info {
	return Info{
		InstanceID: instanceID,
		ClientID:   clientID,
		Name:       "Tadpole",
		Version:    buildinfo.Version,
		GitCommit:  buildinfo.GitCommit,
		Started:    time.Now().Add(-buildinfo.Uptime()).UTC().Truncate(time.Second),
	}
}

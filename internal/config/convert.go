package config

import (
	"github.com/danmuck/viewhost/internal/action"
)

// ServerInfos converts seed entries into the servers/loaded payload.
func ServerInfos(entries []ServerEntry) []action.ServerInfo {
	out := make([]action.ServerInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, action.ServerInfo{
			URL:   entry.URL,
			Title: entry.Title,
		})
	}
	return out
}

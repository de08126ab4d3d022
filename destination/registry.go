// Package destination maps chats to their outbound live-stream endpoint.
package destination

import (
	"strings"
	"sync"
)

// Registry stores one stream key per chat. Safe for concurrent use.
type Registry struct {
	baseURL string
	keys    sync.Map // int64 -> string
}

// NewRegistry creates a registry that resolves keys against baseURL.
func NewRegistry(baseURL string) *Registry {
	return &Registry{baseURL: strings.TrimRight(baseURL, "/")}
}

// Set binds key to chatID, replacing any previous key.
func (r *Registry) Set(chatID int64, key string) {
	r.keys.Store(chatID, strings.TrimSpace(key))
}

// Delete removes the chat's key.
func (r *Registry) Delete(chatID int64) {
	r.keys.Delete(chatID)
}

// Get returns the destination URL for chatID. A key that is already a full
// stream URL is returned unchanged.
func (r *Registry) Get(chatID int64) (string, bool) {
	v, ok := r.keys.Load(chatID)
	if !ok {
		return "", false
	}
	key := v.(string)
	if key == "" {
		return "", false
	}
	if isStreamURL(key) {
		return key, true
	}
	return r.baseURL + "/" + strings.TrimLeft(key, "/"), true
}

// Has reports whether a destination is set for chatID.
func (r *Registry) Has(chatID int64) bool {
	_, ok := r.Get(chatID)
	return ok
}

func isStreamURL(s string) bool {
	for _, scheme := range []string{"rtmp://", "rtmps://", "srt://"} {
		if strings.HasPrefix(strings.ToLower(s), scheme) {
			return true
		}
	}
	return false
}

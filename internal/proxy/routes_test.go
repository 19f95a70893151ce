package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteKey(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/channels/290926798626357250", "/channels/:id"},
		{http.MethodGet, "/channels/290926798626357250/messages/696969696969696969", "/channels/:id/messages/:id"},
		{http.MethodPost, "/channels/290926798626357250/messages", "/channels/:id/messages"},
		{http.MethodGet, "/guilds/41771983423143936/members/80351110224678912", "/guilds/:id/members/:id"},

		// Message deletes ratelimit separately from other message routes.
		{http.MethodDelete, "/channels/290926798626357250/messages/696969696969696969", "DELETE/channels/:id/messages/:id"},
		{http.MethodDelete, "/channels/290926798626357250", "/channels/:id"},

		// The emoji after reactions is collapsed whether custom or unicode.
		{http.MethodPut, "/channels/290926798626357250/messages/696969696969696969/reactions/custom:81384788765712384/@me", "/channels/:id/messages/:id/reactions/:id/@me"},
		{http.MethodPut, "/channels/290926798626357250/messages/696969696969696969/reactions/%F0%9F%94%A5/@me", "/channels/:id/messages/:id/reactions/:id/@me"},

		// Webhook tokens are secrets and also route parameters.
		{http.MethodPost, "/webhooks/223704706495545344/3d89bb7572e0fb30d8128367b3b1b44fecd1726de135cbe28a41f8b2f777c372ba2939e72279b94526ff5d1bd4358d65cf11", "/webhooks/:id/:token"},

		{http.MethodGet, "/gateway/bot", "/gateway/bot"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RouteKey(tt.method, tt.path), "%s %s", tt.method, tt.path)
	}
}

func TestRouteKeyIdempotent(t *testing.T) {
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/channels/290926798626357250/messages/696969696969696969"},
		{http.MethodDelete, "/channels/290926798626357250/messages/696969696969696969"},
		{http.MethodPost, "/webhooks/223704706495545344/sometoken"},
	}

	for _, tt := range paths {
		once := RouteKey(tt.method, tt.path)
		twice := RouteKey(tt.method, once)

		assert.Equal(t, once, twice, "%s %s", tt.method, tt.path)
	}
}

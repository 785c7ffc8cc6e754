package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/npc/pkg/utils"
)

// APIKeyHeader carries the gateway key on every /api request.
const APIKeyHeader = "x-api-key"

// APIKey rejects requests whose x-api-key does not match key. Browsers cannot
// set headers on websocket upgrades, so upgrades may pass ?apiKey= instead.
func APIKey(key string) func(http.Handler) http.Handler {
	expected := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(APIKeyHeader)
			if token == "" && websocket.IsWebSocketUpgrade(r) {
				token = r.URL.Query().Get("apiKey")
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"crypto/subtle"
	"net/http"
)

// WebhookSecretHeader carries the secret shared with the messaging provider.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecretMiddleware rejects callers that do not present the shared
// secret. An unset secret rejects everyone.
func WebhookSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WebhookSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package websocket

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// subscribePath is where the control server accepts bot connections
const subscribePath = "/api/v1/users/subscribe/"

// SubscribeURL builds <scheme>://<host>/api/v1/users/subscribe/<username>.
// scheme defaults to wss.
func SubscribeURL(scheme, host, username string) string {
	if scheme == "" {
		scheme = "wss"
	}
	host = strings.TrimRight(host, "/")
	return fmt.Sprintf("%s://%s%s%s", scheme, host, subscribePath, url.PathEscape(username))
}

// newSessionID identifies one connection attempt in logs
func newSessionID() string {
	return uuid.NewString()
}

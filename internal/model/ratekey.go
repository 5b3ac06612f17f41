package model

import (
	"fmt"
	"strings"
)

// Rate-limit key kinds. Each kind maps to a ledger table the window counter
// can fall back to.
const (
	RateKindPhone = "otp:phone"
	RateKindIP    = "otp:ip"
	RateKindRoom  = "room"
	RateKindStay  = "stay"
)

func RateKeyPhone(phone string) string { return RateKindPhone + ":" + phone }

func RateKeyIP(ipHash string) string { return RateKindIP + ":" + ipHash }

func RateKeyRoom(tenantID, room string) string {
	return fmt.Sprintf("%s:%s:%s", RateKindRoom, tenantID, room)
}

func RateKeyStay(stayID string) string { return RateKindStay + ":" + stayID }

// ParseRateKey splits a key built by the RateKey helpers into its kind and
// arguments.
func ParseRateKey(key string) (kind string, args []string, err error) {
	for _, k := range []string{RateKindPhone, RateKindIP, RateKindRoom, RateKindStay} {
		if !strings.HasPrefix(key, k+":") {
			continue
		}
		rest := strings.TrimPrefix(key, k+":")
		switch k {
		case RateKindRoom:
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return "", nil, fmt.Errorf("malformed room key %q", key)
			}
			return k, parts, nil
		default:
			if rest == "" {
				return "", nil, fmt.Errorf("malformed key %q", key)
			}
			return k, []string{rest}, nil
		}
	}
	return "", nil, fmt.Errorf("unknown rate limit key %q", key)
}

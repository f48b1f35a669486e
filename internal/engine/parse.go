package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPayload is returned for notification payloads that are neither
// the canonical "<entity_id>:<rssi>" form nor a bare integer.
var ErrMalformedPayload = errors.New("engine: malformed notification payload")

// parsePayload splits a beacon notification into entity id and RSSI. The
// canonical form is "<entity_id>:<rssi>". Entity ids may themselves contain
// colons (MAC-style ids), so the split happens at the last colon. A bare
// integer is the legacy no-entity form: it parses with an empty entity id and
// the caller applies the configured legacy policy.
func parsePayload(payload string) (entityID string, rssi int, err error) {
	s := strings.TrimSpace(payload)
	if s == "" {
		return "", 0, fmt.Errorf("empty payload: %w", ErrMalformedPayload)
	}

	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		n, convErr := strconv.Atoi(s)
		if convErr != nil {
			return "", 0, fmt.Errorf("payload %q: %w", payload, ErrMalformedPayload)
		}
		return "", n, nil
	}

	entity := strings.TrimSpace(s[:idx])
	if entity == "" {
		return "", 0, fmt.Errorf("payload %q: empty entity id: %w", payload, ErrMalformedPayload)
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
	if convErr != nil {
		return "", 0, fmt.Errorf("payload %q: bad rssi segment: %w", payload, ErrMalformedPayload)
	}
	return entity, n, nil
}

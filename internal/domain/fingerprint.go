package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Fingerprint identifies one logical notification for one user. It is the
// SHA-256 of the canonical JSON {"context","template","user"}; encoding/json
// writes map keys in sorted order at every depth, which makes the encoding
// canonical for JSON-decoded contexts.
func Fingerprint(userID int64, templateKey string, ctx Context) string {
	doc := map[string]any{
		"context":  ctx.Value(),
		"template": templateKey,
		"user":     userID,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		b = []byte(fmt.Sprintf("%d|%s|%#v", userID, templateKey, ctx.Value()))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RecipientKey picks the log key for userID within a request.
//
// Without an external key the computed fingerprint is used. A single-recipient
// request uses the external key verbatim. With several recipients the external
// key is combined with the user id so every recipient keeps its own record.
func RecipientKey(idemKey string, recipients int, userID int64, templateKey string, ctx Context) string {
	key := strings.TrimSpace(idemKey)
	if key == "" {
		return Fingerprint(userID, templateKey, ctx)
	}
	if recipients <= 1 {
		return key
	}
	sum := sha256.Sum256([]byte(key + ":" + strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(sum[:])
}

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// ChunkHash is the change-detection key for upserts: SHA-256 over the UTF-8
// bytes of the text with \r\n and lone \r normalized to \n, so the same
// content hashes identically regardless of the platform that extracted it.
func ChunkHash(text string) string {
	sum := sha256.Sum256([]byte(lineEndings.Replace(text)))
	return hex.EncodeToString(sum[:])
}

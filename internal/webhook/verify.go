package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature headers per forge. Forgejo sends the bare hex digest; GitHub
// prefixes it with "sha256=".
const (
	HeaderForgejoEvent     = "X-Forgejo-Event"
	HeaderForgejoSignature = "X-Forgejo-Signature"
	HeaderGitHubEvent      = "X-GitHub-Event"
	HeaderGitHubSignature  = "X-Hub-Signature-256"

	githubSignaturePrefix = "sha256="
)

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature value against the body. The
// "sha256=" prefix is stripped if present, so both forges' formats are
// accepted. Comparison is constant-time.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, githubSignaturePrefix)
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(received, mac.Sum(nil))
}

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

// slackTimestampWindow bounds replay of captured requests.
const slackTimestampWindow = 5 * time.Minute

func slackTimestampFresh(ts string, now time.Time) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	d := now.Sub(time.Unix(sec, 0))
	if d < 0 {
		d = -d
	}
	return d <= slackTimestampWindow
}

// VerifySlackSignature checks a Slack request signature. The expected
// signature is "v0=" plus the hex HMAC-SHA256 of "v0:<timestamp>:<body>"
// under the signing secret, compared in constant time.
func VerifySlackSignature(secret, timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// handleSlackWebhook accepts Slack event callbacks. Verified events are
// re-published on the bus as slack.event for triggers to act on.
func (s *Server) handleSlackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "unreadable body")
		return
	}

	ts := r.Header.Get("X-Slack-Request-Timestamp")
	sig := r.Header.Get("X-Slack-Signature")
	if !slackTimestampFresh(ts, time.Now()) || !VerifySlackSignature(s.slackSecret, ts, body, sig) {
		writeErrCode(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeErrCode(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return
	}

	// Slack's endpoint handshake echoes the challenge back.
	if challenge, ok := payload["challenge"].(string); ok && payload["type"] == "url_verification" {
		writeData(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	s.bus.Emit("slack.event", payload)
	writeData(w, http.StatusOK, map[string]bool{"ok": true})
}

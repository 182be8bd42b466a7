package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"
)

// Reference vector from Slack's signature verification docs.
const (
	slackTestSecret = "8f742231b10e8888abcd99yyyzzz85a5"
	slackTestTS     = "1531420618"
	slackTestBody   = "token=xyz&team_id=T1DC2JH3J&team_domain=testteamnow&channel_id=G8PSS9T3V&channel_name=foobar&user_id=U2CERLKJA&user_name=roadrunner&command=%2Fwebhook-collect&text=&response_url=https%3A%2F%2Fhooks.slack.com%2Fcommands%2FT1DC2JH3J%2F397700885554%2F96rGlfmibIGlgcZRskXaeFfN&trigger_id=398738663015.47445629121.803a0bc887a14d10d2c447fce8b6703c"
	slackTestSig    = "v0=a2114d57b48eac39b9ad189dd8316235a7b4a8d21a10bd27519666489c69b503"
)

func TestVerifySlackSignature(t *testing.T) {
	if !VerifySlackSignature(slackTestSecret, slackTestTS, []byte(slackTestBody), slackTestSig) {
		t.Fatal("reference vector did not verify")
	}

	// Any single-byte change must break verification.
	if VerifySlackSignature(slackTestSecret, slackTestTS, []byte(slackTestBody+"x"), slackTestSig) {
		t.Error("mutated body verified")
	}
	if VerifySlackSignature(slackTestSecret, "1531420619", []byte(slackTestBody), slackTestSig) {
		t.Error("mutated timestamp verified")
	}
	mutated := []byte(slackTestSig)
	mutated[len(mutated)-1] ^= 1
	if VerifySlackSignature(slackTestSecret, slackTestTS, []byte(slackTestBody), string(mutated)) {
		t.Error("mutated signature verified")
	}
	if VerifySlackSignature("wrong-secret", slackTestTS, []byte(slackTestBody), slackTestSig) {
		t.Error("wrong secret verified")
	}
	if VerifySlackSignature(slackTestSecret, slackTestTS, []byte(slackTestBody), "v0=short") {
		t.Error("truncated signature verified")
	}
}

func slackPost(t *testing.T, env *testEnv, body []byte, ts, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", env.srv.URL+"/webhooks/slack", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func signBody(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func nowTS() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func TestSlackWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	resp := slackPost(t, env, []byte(`{"type":"event_callback"}`), nowTS(), "v0=deadbeef")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	code, _ := decodeErr(t, resp)
	if code != "INVALID_SIGNATURE" {
		t.Errorf("code = %q", code)
	}
}

func TestSlackWebhookRejectsStaleTimestamp(t *testing.T) {
	env := newTestEnv(t)

	// Correctly signed but an hour old.
	body := []byte(`{"type":"event_callback"}`)
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	resp := slackPost(t, env, body, stale, signBody(slackTestSecret, stale, body))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSlackWebhookChallengeEcho(t *testing.T) {
	env := newTestEnv(t)

	body := []byte(`{"type":"url_verification","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`)
	ts := nowTS()
	sig := signBody(slackTestSecret, ts, body)

	resp := slackPost(t, env, body, ts, sig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := decodeData(t, resp)
	if data["challenge"] != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge = %v", data["challenge"])
	}
}

func TestSlackWebhookEmitsEvent(t *testing.T) {
	env := newTestEnv(t)

	var got any
	env.bus.Subscribe("slack.event", func(subject string, payload any) {
		got = payload
	})

	body := []byte(`{"type":"event_callback","event":{"type":"message","text":"deploy"}}`)
	ts := nowTS()
	sig := signBody(slackTestSecret, ts, body)

	resp := slackPost(t, env, body, ts, sig)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	payload, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("no slack.event emitted, got %T", got)
	}
	if payload["type"] != "event_callback" {
		t.Errorf("payload = %v", payload)
	}
}

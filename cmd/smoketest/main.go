// smoketest exercises a running API end to end, including one live
// completion round-trip.
// Run with: go run ./cmd/smoketest
// Reads SMOKETEST_URL (default http://localhost:$PORT) from the env or .env.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

var localAPI = "http://localhost:8080"

// callID is shared by the checks that follow POST /calls.
var callID string

func main() {
	_ = godotenv.Load()
	if v := os.Getenv("SMOKETEST_URL"); v != "" {
		localAPI = strings.TrimRight(v, "/")
	} else if p := os.Getenv("PORT"); p != "" {
		localAPI = "http://localhost:" + p
	}

	passed := 0
	failed := 0

	run := func(name string, fn func() error) {
		fmt.Printf("  %-50s", name)
		if err := fn(); err != nil {
			fmt.Printf("FAIL: %v\n", err)
			failed++
		} else {
			fmt.Printf("OK\n")
			passed++
		}
	}

	fmt.Println("\n── Local API ───────────────────────────────────────────────")
	run("GET /health returns 200 + {status:healthy}", checkHealth)
	run("GET /calls/{unknown} returns 404", checkUnknownCall)

	fmt.Println("\n── Call flow (live completions) ────────────────────────────")
	run("POST /calls returns a greeting", checkStartCall)
	run("POST /calls/{id}/turns returns a reply", checkTurn)
	run("GET /calls/{id} lists the transcript", checkGetCall)
	run("GET /calls/{id}/stream replays the transcript", checkStream)
	run("POST /calls/{id}/hangup ends the call", checkHangup)

	fmt.Println("\n── Voice webhook ───────────────────────────────────────────")
	run("POST /voice/inbound answers with TwiML", checkVoiceInbound)

	fmt.Printf("\n%d passed, %d failed\n\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func checkHealth() error {
	var body map[string]string
	if err := doJSON(http.MethodGet, "/health", nil, http.StatusOK, &body); err != nil {
		return fmt.Errorf("could not reach server (is it running?): %w", err)
	}
	if body["status"] != "healthy" {
		return fmt.Errorf("expected status=healthy, got %q", body["status"])
	}
	return nil
}

func checkUnknownCall() error {
	return doJSON(http.MethodGet, "/calls/smoketest-does-not-exist", nil, http.StatusNotFound, nil)
}

func checkStartCall() error {
	var res struct {
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		Greeting string `json:"greeting"`
		Degraded bool   `json:"degraded"`
	}
	if err := doJSON(http.MethodPost, "/calls", map[string]string{}, http.StatusCreated, &res); err != nil {
		return err
	}
	if res.Call.ID == "" || res.Greeting == "" {
		return fmt.Errorf("missing id or greeting: %+v", res)
	}
	if res.Degraded {
		return fmt.Errorf("greeting fell back to script, check OPENROUTER_API_KEY and LLM_MODEL")
	}
	callID = res.Call.ID
	return nil
}

func checkTurn() error {
	if callID == "" {
		return fmt.Errorf("no call started")
	}
	var res struct {
		Reply    string `json:"reply"`
		Degraded bool   `json:"degraded"`
	}
	body := map[string]string{"text": "Hi, I'd like to check my balance. My reference is XT59591."}
	if err := doJSON(http.MethodPost, "/calls/"+callID+"/turns", body, http.StatusOK, &res); err != nil {
		return err
	}
	if res.Reply == "" || res.Degraded {
		return fmt.Errorf("unexpected reply: %+v", res)
	}
	return nil
}

func checkGetCall() error {
	if callID == "" {
		return fmt.Errorf("no call started")
	}
	var res struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := doJSON(http.MethodGet, "/calls/"+callID, nil, http.StatusOK, &res); err != nil {
		return err
	}
	if len(res.Messages) < 3 {
		return fmt.Errorf("expected at least 3 messages, got %d", len(res.Messages))
	}
	return nil
}

func checkStream() error {
	if callID == "" {
		return fmt.Errorf("no call started")
	}
	wsURL := "ws" + strings.TrimPrefix(localAPI, "http") + "/calls/" + callID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev struct {
		Type string `json:"type"`
		Role string `json:"role"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if ev.Type != "message" || ev.Role != "assistant" {
		return fmt.Errorf("expected the greeting first, got %+v", ev)
	}
	return nil
}

func checkHangup() error {
	if callID == "" {
		return fmt.Errorf("no call started")
	}
	if err := doJSON(http.MethodPost, "/calls/"+callID+"/hangup", nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	return doJSON(http.MethodPost, "/calls/"+callID+"/turns", map[string]string{"text": "hello?"}, http.StatusConflict, nil)
}

func checkVoiceInbound() error {
	if os.Getenv("TWILIO_AUTH_TOKEN") != "" {
		fmt.Print("(skipped: signature validation on) ")
		return nil
	}
	form := url.Values{"CallSid": {fmt.Sprintf("CAsmoke%d", time.Now().UnixNano())}, "From": {"+61400000000"}}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, localAPI+"/voice/inbound", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected 200, got %d: %s", resp.StatusCode, b)
	}
	if !bytes.Contains(b, []byte("<Gather")) {
		return fmt.Errorf("expected a <Gather> verb, got %s", b)
	}
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// doJSON sends body (when non-nil) as JSON and decodes the response into out
// (when non-nil). Completions can be slow, hence the generous timeout.
func doJSON(method, path string, body any, wantStatus int, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, localAPI+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("expected %d, got %d: %s", wantStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return nil
}

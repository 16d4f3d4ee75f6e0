// Tests use package-level access to reach unexported helpers.
package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skycredit/internal/calls"
	"skycredit/internal/config"
	"skycredit/internal/database"
	"skycredit/internal/evaluator"
	"skycredit/internal/llm"
	"skycredit/internal/llm/llmtest"
	"skycredit/internal/models"
)

// ─── Test helpers ─────────────────────────────────────────────────────────────

const (
	greetingReply = `{"response":"Thank you for calling the Sky Credit Group. My name is Jess."}`
	askReference  = `{"response":"Could I have your reference number please?","updated_data":{},"is_complete":false}`
	paulVerified  = `{"response":"Thank you, looking that up now.","updated_data":{"reference_or_mobile":"XT59591","first_name":"Paul","last_name":"Walshe","date_of_birth":"15th March 1985"},"is_complete":true}`
	anythingElse  = `{"response":"Your payment will process automatically. Is there anything else I can assist you with?"}`
	goodbyeReply  = `{"response":"Thanks for calling, goodbye.","next_step":5,"call_complete":true}`
	evalReply     = `{"outcome_checks":[{"outcome_description":"ask reference","status":"FOLLOWED","evidence":"Assistant: Could I have your reference number please?"}]}`
	twilioToken   = "test-auth-token"
	publicBase    = "https://voice.example.test"
)

func testConfig() *config.Config {
	return &config.Config{
		DBPath:        ":memory:",
		LLMAPIKey:     "test-key",
		PublicBaseURL: publicBase,
	}
}

type fixture struct {
	p      *llmtest.Scripted
	svc    *calls.Service
	router http.Handler
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	db, err := database.Init(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := llmtest.New().Always(llm.TaskGreeting, greetingReply)
	ev := evaluator.New(p, llm.DefaultPrompts().ExpectedOutcomes, logger)
	svc := calls.NewService(db, p, ev, logger)
	return &fixture{p: p, svc: svc, router: NewRouter(svc, cfg, logger)}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) startCall(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/calls", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res calls.StartResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res.Call.ID
}

func (f *fixture) postVoice(t *testing.T, path string, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// twilioSign computes the X-Twilio-Signature for a form POST to fullURL.
func twilioSign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ─── GET /health ──────────────────────────────────────────────────────────────

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	HealthCheck(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %q", body["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, testConfig())
	req := httptest.NewRequest(http.MethodOptions, "/calls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()

	f.router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// ─── JSON API ─────────────────────────────────────────────────────────────────

func TestStartCall(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(t, http.MethodPost, "/calls", map[string]string{"scenario": "payment_deferral"})
	require.Equal(t, http.StatusCreated, w.Code)
	var res calls.StartResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "payment_deferral", res.Call.Scenario)
	assert.Equal(t, "Thank you for calling the Sky Credit Group. My name is Jess.", res.Greeting)
}

func TestStartCall_BadRequests(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(t, http.MethodPost, "/calls", map[string]string{"scenario": "lottery"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTurnAndGet(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.On(llm.TaskVerification, askReference)
	id := f.startCall(t)

	w := f.do(t, http.MethodPost, "/calls/"+id+"/turns", map[string]string{"text": "Hi, I want my balance"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var turn calls.TurnResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&turn))
	assert.Equal(t, "Could I have your reference number please?", turn.Reply)
	assert.False(t, turn.Verified)

	w = f.do(t, http.MethodGet, "/calls/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var d calls.Detail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	require.Len(t, d.Messages, 3)
	assert.Equal(t, models.RoleCustomer, d.Messages[1].Role)
	assert.Equal(t, "Hi, I want my balance", d.Messages[1].Content)
}

func TestTurn_Errors(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(t, http.MethodPost, "/calls/nope/turns", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := f.startCall(t)
	w = f.do(t, http.MethodPost, "/calls/"+id+"/turns", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/calls/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCalls(t *testing.T) {
	f := newFixture(t, testConfig())
	f.startCall(t)
	f.startCall(t)

	w := f.do(t, http.MethodGet, "/calls?status=ACTIVE&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Calls []models.Call `json:"calls"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Calls, 1)

	w = f.do(t, http.MethodGet, "/calls?verified=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/calls?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHangupThenTurn(t *testing.T) {
	f := newFixture(t, testConfig())
	id := f.startCall(t)

	w := f.do(t, http.MethodPost, "/calls/"+id+"/hangup", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodPost, "/calls/"+id+"/turns", map[string]string{"text": "hello?"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEvaluateCall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.On(llm.TaskEvaluation, evalReply)
	id := f.startCall(t)

	w := f.do(t, http.MethodPost, "/calls/"+id+"/evaluation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ev models.StoredEvaluation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ev))
	assert.Equal(t, 1, ev.Followed)
	assert.Equal(t, 1, ev.Total)
	assert.Equal(t, id, ev.CallID)
}

// ─── GET /calls/{id}/stream ───────────────────────────────────────────────────

func TestStreamCall(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.On(llm.TaskVerification, paulVerified).
		On(llm.TaskAccountBalance, anythingElse).
		On(llm.TaskClosing, goodbyeReply)
	id := f.startCall(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/calls/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev StreamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, models.RoleAssistant, ev.Role)
	assert.Contains(t, ev.Content, "Sky Credit Group")

	require.NoError(t, conn.WriteJSON(turnRequest{Text: "XT59591, Paul Walshe, 15th March 1985"}))

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.RoleCustomer, ev.Role)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.RoleAssistant, ev.Role)
	assert.Equal(t, "Thanks for calling, goodbye.", ev.Content)
	assert.True(t, ev.Verified)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventEnded, ev.Type)
}

func TestStreamCall_UnknownCall(t *testing.T) {
	f := newFixture(t, testConfig())
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/calls/nope/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── Twilio voice ─────────────────────────────────────────────────────────────

func TestVoiceInbound_GreetsInsideGather(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.postVoice(t, "/voice/inbound", url.Values{"CallSid": {"CA100"}, "From": {"+61402017491"}}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, `input="speech"`)
	assert.Contains(t, body, `actionOnEmptyResult="true"`)
	assert.Contains(t, body, publicBase+"/voice/gather")
	assert.Contains(t, body, "Thank you for calling the Sky Credit Group. My name is Jess.")

	d, err := f.svc.Get(context.Background(), "CA100")
	require.NoError(t, err)
	assert.Equal(t, models.CallActive, d.Call.Status)
}

func TestVoiceGather(t *testing.T) {
	f := newFixture(t, testConfig())
	f.p.On(llm.TaskVerification, paulVerified).
		On(llm.TaskAccountBalance, anythingElse).
		On(llm.TaskClosing, goodbyeReply)

	w := f.postVoice(t, "/voice/inbound", url.Values{"CallSid": {"CA200"}}, "")
	require.Equal(t, http.StatusOK, w.Code)

	// On silence the carrier posts the action without a SpeechResult.
	w = f.postVoice(t, "/voice/gather", url.Values{"CallSid": {"CA200"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Could you please repeat that?")
	assert.Contains(t, body, `actionOnEmptyResult="true"`)

	d, err := f.svc.Get(context.Background(), "CA200")
	require.NoError(t, err)
	assert.Len(t, d.Messages, 1)

	w = f.postVoice(t, "/voice/gather", url.Values{"CallSid": {"CA200"}, "SpeechResult": {"XT59591 Paul Walshe 15 March 1985"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Contains(t, body, "Thanks for calling, goodbye.")
	assert.Contains(t, body, "<Hangup")
	assert.NotContains(t, body, "<Gather")

	w = f.postVoice(t, "/voice/gather", url.Values{"CallSid": {"CA200"}, "SpeechResult": {"hello?"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Hangup")
}

func TestVoice_Signature(t *testing.T) {
	cfg := testConfig()
	cfg.TwilioAuthToken = twilioToken
	f := newFixture(t, cfg)
	form := url.Values{"CallSid": {"CA300"}, "From": {"+61403893026"}}

	w := f.postVoice(t, "/voice/inbound", form, "bogus")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.postVoice(t, "/voice/inbound", form, twilioSign(twilioToken, publicBase+"/voice/inbound", form))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestPublicURL_FromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", nil)
	req.Host = "abc.ngrok.app"
	req.Header.Set("X-Forwarded-Proto", "https")

	assert.Equal(t, "https://abc.ngrok.app/voice/gather", publicURL(&config.Config{}, req, "/voice/gather"))
}

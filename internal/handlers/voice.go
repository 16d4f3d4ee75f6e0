package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"skycredit/internal/agent"
	"skycredit/internal/calls"
	"skycredit/internal/config"
)

const (
	noSpeechPrompt   = "Sorry, I didn't hear anything. Please call back when you're ready. Goodbye."
	voiceErrorPrompt = "Sorry, we're having trouble right now. Please call back later. Goodbye."
)

// ─── POST /voice/inbound ──────────────────────────────────────────────────────

// VoiceInbound answers a new phone call: the call SID becomes the call ID
// and the greeting is spoken inside a speech Gather.
func VoiceInbound(svc Calls, cfg *config.Config, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PostFormValue("CallSid")
		if sid == "" {
			http.Error(w, "missing CallSid", http.StatusBadRequest)
			return
		}
		logger.Info("incoming call", zap.String("call_sid", sid), zap.String("from", r.PostFormValue("From")))

		res, err := svc.Start(r.Context(), calls.StartOptions{ID: sid, Scenario: r.URL.Query().Get("scenario")})
		if err != nil {
			logger.Error("voice start failed", zap.String("call_sid", sid), zap.Error(err))
			writeTwiML(w, logger, sayAndHangup(voiceErrorPrompt))
			return
		}
		writeTwiML(w, logger, gather(cfg, r, res.Greeting))
	}
}

// ─── POST /voice/gather ───────────────────────────────────────────────────────

// VoiceGather receives the caller's transcribed speech and speaks the reply.
func VoiceGather(svc Calls, cfg *config.Config, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PostFormValue("CallSid")
		speech := strings.TrimSpace(r.PostFormValue("SpeechResult"))
		if sid == "" {
			http.Error(w, "missing CallSid", http.StatusBadRequest)
			return
		}
		if speech == "" {
			writeTwiML(w, logger, gather(cfg, r, agent.RepeatPrompt))
			return
		}

		res, err := svc.Turn(r.Context(), sid, speech)
		switch {
		case errors.Is(err, calls.ErrCallEnded):
			writeTwiML(w, logger, []twiml.Element{&twiml.VoiceHangup{}})
			return
		case err != nil:
			logger.Error("voice turn failed", zap.String("call_sid", sid), zap.Error(err))
			writeTwiML(w, logger, sayAndHangup(voiceErrorPrompt))
			return
		}

		if res.Ended {
			writeTwiML(w, logger, sayAndHangup(res.Reply))
			return
		}
		writeTwiML(w, logger, gather(cfg, r, res.Reply))
	}
}

// ─── TwiML ────────────────────────────────────────────────────────────────────

// gather speaks line and listens for the caller. Silence is posted to the
// action too, so VoiceGather can re-prompt; the trailing goodbye only plays
// if the carrier falls through the Gather.
func gather(cfg *config.Config, r *http.Request, line string) []twiml.Element {
	g := &twiml.VoiceGather{
		Input:               "speech",
		Action:              publicURL(cfg, r, "/voice/gather"),
		Method:              http.MethodPost,
		SpeechTimeout:       "auto",
		ActionOnEmptyResult: "true",
		InnerElements:       []twiml.Element{&twiml.VoiceSay{Message: line}},
	}
	return append([]twiml.Element{g}, sayAndHangup(noSpeechPrompt)...)
}

func sayAndHangup(line string) []twiml.Element {
	return []twiml.Element{
		&twiml.VoiceSay{Message: line},
		&twiml.VoiceHangup{},
	}
}

func writeTwiML(w http.ResponseWriter, logger *zap.Logger, verbs []twiml.Element) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		logger.Error("twiml render failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// publicURL is the address the carrier used to reach path.
func publicURL(cfg *config.Config, r *http.Request, path string) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/") + path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + path
}

// ─── Signature ────────────────────────────────────────────────────────────────

// twilioSignature rejects webhook requests not signed with the account's
// auth token. Validation is off when no token is configured.
func twilioSignature(cfg *config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	validator := client.NewRequestValidator(cfg.TwilioAuthToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.TwilioAuthToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := r.ParseForm(); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			params := make(map[string]string, len(r.PostForm))
			for k, v := range r.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			url := publicURL(cfg, r, r.URL.RequestURI())
			if !validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
				logger.Warn("twilio: invalid signature", zap.String("url", url))
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

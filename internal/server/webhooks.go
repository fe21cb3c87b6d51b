package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
)

const (
	defaultWebhookTolerance = 5 * time.Minute
	maxWebhookBody          = 1 << 20
	clerkTopicPrefix        = "clerk/"
)

var (
	errMissingSignatureHeaders = errors.New("missing svix headers")
	errInvalidSignature        = errors.New("no matching signature")
	errStaleTimestamp          = errors.New("timestamp outside tolerance")
)

// ClerkConfig configures the inbound Clerk webhook receiver.
type ClerkConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	Now           func() time.Time
}

// svixVerifier checks Svix webhook signatures: HMAC-SHA256 over
// "<id>.<timestamp>.<body>" keyed with the decoded whsec_ secret.
type svixVerifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

func newSvixVerifier(cfg ClerkConfig) (*svixVerifier, error) {
	secret := strings.TrimPrefix(strings.TrimSpace(cfg.WebhookSecret), "whsec_")
	if secret == "" {
		return nil, errors.New("clerk webhook secret not configured")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("clerk webhook secret: %w", err)
	}
	v := &svixVerifier{key: key, tolerance: cfg.Tolerance, now: cfg.Now}
	if v.tolerance <= 0 {
		v.tolerance = defaultWebhookTolerance
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

func (v *svixVerifier) sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (v *svixVerifier) Verify(h http.Header, body []byte) (time.Time, error) {
	id := h.Get("svix-id")
	ts := h.Get("svix-timestamp")
	sigs := h.Get("svix-signature")
	if id == "" || ts == "" || sigs == "" {
		return time.Time{}, errMissingSignatureHeaders
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid svix-timestamp: %w", err)
	}
	sent := time.Unix(secs, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return time.Time{}, errStaleTimestamp
	}
	expected := []byte(v.sign(id, ts, body))
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), expected) {
			return sent, nil
		}
	}
	return time.Time{}, errInvalidSignature
}

type clerkEnvelope struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

// clerkWebhookHandler turns verified Clerk deliveries into clerk/<type>
// events keyed by the svix message id, so redeliveries collapse.
func clerkWebhookHandler(e *engine.Engine, cfg ClerkConfig, logger zerolog.Logger) http.HandlerFunc {
	verifier, verr := newSvixVerifier(cfg)
	return func(w http.ResponseWriter, r *http.Request) {
		if verr != nil {
			logger.Error().Err(verr).Msg("clerk webhook rejected")
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "webhook_not_configured", verr.Error(), nil))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logger.Warn().Int64("limit", tooLarge.Limit).Str("svix_id", r.Header.Get("svix-id")).Msg("clerk webhook body too large")
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large",
					fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body", nil))
			return
		}
		if _, err := verifier.Verify(r.Header, body); err != nil {
			logger.Warn().Err(err).Str("svix_id", r.Header.Get("svix-id")).Msg("clerk webhook signature rejected")
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil))
			return
		}
		var env clerkEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid clerk event payload", nil))
			return
		}
		data := env.Data
		if len(data) == 0 || string(data) == "null" {
			data = json.RawMessage(`{}`)
		}
		evt := domain.Event{
			ID:   r.Header.Get("svix-id"),
			Name: clerkTopicPrefix + env.Type,
			Data: data,
		}
		res, err := e.Send(r.Context(), evt)
		if err != nil {
			logger.Error().Err(err).Str("event", evt.Name).Msg("clerk webhook not recorded")
			respondStatusError(w, handleError(err))
			return
		}
		if len(res.RunIDs) == 0 {
			logger.Debug().Str("event", evt.Name).Msg("clerk event has no subscribers")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SendEventResponse{EventID: res.EventID, RunIDs: nonNilSlice(res.RunIDs), Duplicate: res.Duplicate})
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/slack-go/slack"

	"github.com/hackclub/certpheus/internal/pkg/logger"
)

type Handler struct {
	svc            Service
	log            *logger.Logger
	signingSecret  string
	supportChannel string
}

func NewHandler(svc Service, log *logger.Logger, signingSecret, supportChannel string) *Handler {
	return &Handler{
		svc:            svc,
		log:            log,
		signingSecret:  signingSecret,
		supportChannel: supportChannel,
	}
}

// eventEnvelope is the Events API wrapper: either a one-off URL verification
// challenge or an event callback.
type eventEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge"`
	Event     messageEvent `json:"event"`
}

type messageEvent struct {
	Type        string      `json:"type"`
	SubType     string      `json:"subtype"`
	User        string      `json:"user"`
	BotID       string      `json:"bot_id"`
	Text        string      `json:"text"`
	TS          string      `json:"ts"`
	ThreadTS    string      `json:"thread_ts"`
	Channel     string      `json:"channel"`
	ChannelType string      `json:"channel_type"`
	Files       []eventFile `json:"files"`
}

type eventFile struct {
	Name               string `json:"name"`
	URLPrivateDownload string `json:"url_private_download"`
}

// interactionPayload is the block-actions callback sent when a staff member
// clicks one of the anchor buttons. The button value carries the user id.
type interactionPayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Message struct {
		TS string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// HandleEvents is the Events API webhook.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch env.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(env.Challenge))
		return
	case "event_callback":
		h.dispatchMessage(r, env.Event)
	}

	// Always ack: the platform retries non-200 responses and this system
	// does not deduplicate.
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) dispatchMessage(r *http.Request, ev messageEvent) {
	if ev.Type != "message" || ev.SubType != "" || ev.BotID != "" {
		return
	}

	switch {
	case ev.ChannelType == "im":
		files := make([]File, 0, len(ev.Files))
		for _, f := range ev.Files {
			files = append(files, File{Name: f.Name, DownloadURL: f.URLPrivateDownload})
		}
		if err := h.svc.HandleUserMessage(r.Context(), ev.User, ev.Text, files); err != nil {
			h.log.Error("handling user message failed", "user", ev.User, "err", err)
		}
	case ev.Channel == h.supportChannel && ev.ThreadTS != "":
		if err := h.svc.HandleStaffReply(r.Context(), ev.ThreadTS, ev.TS, ev.Text); err != nil {
			h.log.Error("handling staff reply failed", "thread_ts", ev.ThreadTS, "err", err)
		}
	}
}

// HandleInteractivity is the block-actions webhook for the anchor buttons.
func (h *Handler) HandleInteractivity(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	var payload interactionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	action := payload.Actions[0]
	staffID := payload.User.ID
	messageTS := payload.Message.TS

	// Ack inside the platform's interaction window; the action itself may
	// take store round trips. The request context dies with the ack, so
	// the work runs on a detached one.
	w.WriteHeader(http.StatusOK)
	go h.runAction(action.ActionID, action.Value, messageTS, staffID)
}

func (h *Handler) runAction(actionID, userID, messageTS, staffID string) {
	ctx := context.Background()
	switch actionID {
	case "mark_completed":
		if err := h.svc.HandleCompleteAction(ctx, userID, messageTS, staffID); err != nil {
			h.log.Error("handling complete action failed", "user", userID, "err", err)
		}
	case "delete_thread":
		if err := h.svc.HandleDeleteAction(ctx, userID, messageTS, staffID); err != nil {
			h.log.Error("handling delete action failed", "user", userID, "err", err)
		}
	}
}

// readVerified reads the request body and checks the platform signature.
// Verification is skipped when no signing secret is configured (local runs).
func (h *Handler) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, false
	}
	if h.signingSecret == "" {
		return body, true
	}

	sv, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		http.Error(w, "bad signature headers", http.StatusBadRequest)
		return nil, false
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "verify error", http.StatusInternalServerError)
		return nil, false
	}
	if err := sv.Ensure(); err != nil {
		h.log.Warn("rejected request with bad signature", "path", r.URL.Path)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

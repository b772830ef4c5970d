package handler

import (
	"net/http"

	"github.com/sakif/code-runner/internal/channel"
	"github.com/sakif/code-runner/internal/protocol"
)

// ChannelStatus reports the controller's lifecycle state and pending count.
// *channel.Controller implements it.
type ChannelStatus interface {
	State() channel.State
	Pending() int
}

// HealthHandler serves liveness and capability endpoints.
type HealthHandler struct {
	channel   ChannelStatus
	languages []protocol.Language
}

func NewHealthHandler(ch ChannelStatus, languages []protocol.Language) *HealthHandler {
	return &HealthHandler{channel: ch, languages: languages}
}

type healthResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Pending int    `json:"pending"`
}

// HandleHealth returns 503 once the channel is terminated, since no request
// can succeed after that. An uninitialized channel is healthy: it starts on
// the first request.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.channel.State()

	resp := healthResponse{
		Status:  "ok",
		Channel: state.String(),
		Pending: h.channel.Pending(),
	}
	status := http.StatusOK
	if state == channel.StateTerminated {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// HandleLanguages lists the languages the runner accepts.
func (h *HealthHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]protocol.Language{"languages": h.languages})
}

package http

import (
	"net/http"
	"sort"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/services"
	"relaymesh/pkg/errors"
	"relaymesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
)

// StreamHandler exposes read-only views of the gateway registry and the
// connected parties, plus an administrative disconnect.
type StreamHandler struct {
	gateway *services.GatewayService
}

func NewStreamHandler(gateway *services.GatewayService) *StreamHandler {
	return &StreamHandler{gateway: gateway}
}

func (h *StreamHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/streams/:id", h.GetStream)

		api.GET("/parties", h.ListParties)
		api.GET("/parties/:id", h.GetParty)
		api.DELETE("/parties/:id", h.DisconnectParty)
	}
}

type partyView struct {
	PartyID     domain.PeerID              `json:"party_id"`
	State       domain.AgentState          `json:"state"`
	Upstream    *domain.PublicationRecord  `json:"upstream,omitempty"`
	Downstreams []domain.PublicationRecord `json:"downstreams"`
	Announced   []domain.StreamID          `json:"announced"`
	Channels    []domain.ChannelRecord     `json:"channels,omitempty"`

	LocalDescription  *webrtc.SessionDescription `json:"local_description,omitempty"`
	RemoteDescription *webrtc.SessionDescription `json:"remote_description,omitempty"`
}

func viewOf(agent *services.GatewayAgent, withChannels bool) partyView {
	view := partyView{
		PartyID:     agent.PartyID(),
		State:       agent.State(),
		Downstreams: agent.Downstreams(),
		Announced:   agent.Announced(),
	}
	if up, ok := agent.Upstream(); ok {
		view.Upstream = &up
	}
	if withChannels {
		view.Channels = agent.Channels()
		view.LocalDescription = agent.LocalDescription()
		view.RemoteDescription = agent.RemoteDescription()
	}
	return view
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams := h.gateway.Registry().Snapshot()
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StreamID < streams[j].StreamID
	})

	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid stream id"))
		return
	}

	record, ok := h.gateway.Registry().Get(domain.StreamID(id))
	if !ok {
		_ = c.Error(errors.NewNotFoundError("stream").WithContext("stream_id", id))
		return
	}

	subscribers := make([]domain.PeerID, 0)
	for _, agent := range h.gateway.Agents() {
		for _, down := range agent.Downstreams() {
			if down.StreamID == record.StreamID {
				subscribers = append(subscribers, agent.PartyID())
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"stream":      record,
		"subscribers": subscribers,
	})
}

func (h *StreamHandler) ListParties(c *gin.Context) {
	agents := h.gateway.Agents()
	parties := make([]partyView, 0, len(agents))
	for _, agent := range agents {
		parties = append(parties, viewOf(agent, false))
	}

	c.JSON(http.StatusOK, gin.H{
		"parties": parties,
		"count":   len(parties),
	})
}

func (h *StreamHandler) lookup(c *gin.Context) (*services.GatewayAgent, bool) {
	id := c.Param("id")
	if err := validation.ValidatePartyID(id); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid party id"))
		return nil, false
	}

	agent, ok := h.gateway.Agent(domain.PeerID(id))
	if !ok {
		_ = c.Error(errors.NewNotFoundError("party").WithContext("party_id", id))
		return nil, false
	}
	return agent, true
}

func (h *StreamHandler) GetParty(c *gin.Context) {
	agent, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"party": viewOf(agent, true)})
}

// DisconnectParty closes the party's agent, which withdraws its upstream
// from every other party.
func (h *StreamHandler) DisconnectParty(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidatePartyID(id); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid party id"))
		return
	}
	if err := h.gateway.Disconnect(domain.PeerID(id)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

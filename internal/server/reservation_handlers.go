package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/auth"
	"github.com/MarcoPoloResearchLab/deedsign/internal/cryptoutil"
	"github.com/MarcoPoloResearchLab/deedsign/internal/payments"
	"github.com/MarcoPoloResearchLab/deedsign/internal/reservations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createReservationRequest struct {
	PropertyID    string    `json:"property_id"`
	SharePercents []float64 `json:"share_percents"`
}

type slotPayload struct {
	SlotIndex    int     `json:"slot_index"`
	SharePercent float64 `json:"share_percent"`
	Status       string  `json:"status"`
	Email        string  `json:"email,omitempty"`
}

type reservationPayload struct {
	ReservationID string        `json:"reservation_id"`
	PropertyID    string        `json:"property_id"`
	InitiatorID   string        `json:"initiator_id"`
	Status        string        `json:"status"`
	Slots         []slotPayload `json:"slots"`
	CreatedAt     time.Time     `json:"created_at"`
}

func newReservationPayload(reservation reservations.Reservation) reservationPayload {
	slots := make([]slotPayload, 0, len(reservation.Slots))
	for _, slot := range reservation.Slots {
		slots = append(slots, slotPayload{
			SlotIndex:    slot.SlotIndex,
			SharePercent: slot.SharePercent(),
			Status:       string(slot.Status),
			Email:        slot.Email,
		})
	}
	return reservationPayload{
		ReservationID: reservation.ReservationID,
		PropertyID:    reservation.PropertyID,
		InitiatorID:   reservation.InitiatorID,
		Status:        string(reservation.Status),
		Slots:         slots,
		CreatedAt:     reservation.CreatedAt,
	}
}

func (h *httpHandler) handleCreateReservation(c *gin.Context) {
	var request createReservationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	reservation, err := h.reservations.Create(c.Request.Context(), reservations.CreateRequest{
		PropertyID:    request.PropertyID,
		InitiatorID:   callerClaims(c).InvestorID,
		SharePercents: request.SharePercents,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newReservationPayload(reservation))
}

type inviteRequest struct {
	Invitations []struct {
		SlotIndex int    `json:"slot_index"`
		Email     string `json:"email"`
	} `json:"invitations"`
}

type invitationPayload struct {
	InvitationID string    `json:"invitation_id"`
	SlotIndex    int       `json:"slot_index"`
	Email        string    `json:"email"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Invitations) == 0 {
		badRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	reservationID := strings.TrimSpace(c.Param("id"))
	reservation, err := h.reservations.Get(ctx, reservationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	claims := callerClaims(c)
	if reservation.InitiatorID != claims.InvestorID && !claims.HasRole(auth.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorPayload{Error: "not_initiator"})
		return
	}

	requests := make([]reservations.InvitationRequest, 0, len(request.Invitations))
	for _, invitation := range request.Invitations {
		requests = append(requests, reservations.InvitationRequest{SlotIndex: invitation.SlotIndex, Email: invitation.Email})
	}
	issued, err := h.reservations.Invite(ctx, reservationID, requests)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]invitationPayload, 0, len(issued))
	for _, item := range issued {
		payload = append(payload, invitationPayload{
			InvitationID: item.Invitation.InvitationID,
			SlotIndex:    item.Invitation.SlotIndex,
			Email:        item.Invitation.Email,
			Token:        item.Token,
			ExpiresAt:    item.Invitation.ExpiresAt,
		})
	}
	c.JSON(http.StatusCreated, gin.H{"reservation_id": reservationID, "invitations": payload})
}

func (h *httpHandler) handlePaymentWebhook(c *gin.Context) {
	if !cryptoutil.ConstantTimeEqual(c.GetHeader(headerWebhookSecret), h.webhookSecret) {
		h.logger.Warn("payment webhook rejected", zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	var event payments.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.payments.ProcessCompletion(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"event_id":        result.Payment.EventID,
		"fraction_number": result.Payment.FractionNumber,
		"duplicate":       result.Duplicate,
	})
}

package api

import (
	"chatstream/internal/apperr"

	"github.com/gin-gonic/gin"
)

type streamRequest struct {
	ConversationID int64  `json:"conversationId" binding:"required,gt=0"`
	Message        string `json:"message" binding:"required"`
}

// streamTurn relays one chat turn as server-sent events. Failures before the
// first frame are plain JSON errors; afterwards they end the stream with an
// error frame.
func (h *Handler) streamTurn(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req streamRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	turn, err := h.chat.StreamTurn(ctx, req.ConversationID, userID, req.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer turn.Close()

	startEventStream(c)
	for fragment, err := range turn.Fragments(ctx) {
		if err != nil {
			if apperr.KindOf(err) != apperr.KindProvider {
				h.log.Error().Err(err).Int64("conversation_id", req.ConversationID).Msg("turn failed")
			}
			_ = sendEvent(c.Writer, errorFrame{Error: publicMessage(err)})
			return
		}
		if err := sendEvent(c.Writer, fragmentFrame{Content: fragment}); err != nil {
			return
		}
	}
	if reply := turn.Reply(); reply != nil {
		_ = sendEvent(c.Writer, doneFrame{Done: true, MessageID: reply.ID})
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type fragmentFrame struct {
	Content string `json:"content"`
}

type doneFrame struct {
	Done      bool  `json:"done"`
	MessageID int64 `json:"messageId"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func startEventStream(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// sendEvent writes one "data: <json>" frame and flushes it to the client.
func sendEvent(w gin.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamEvents sends the session's chunk status changes as server-sent
// events until the client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.GetSession(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	sub := s.bus.Subscribe(id)
	defer sub.Close()

	// Headers go out before the first event so clients know they are subscribed.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		ev, ok, err := sub.Next(ctx)
		if err != nil || !ok {
			return false
		}
		c.SSEvent("chunk", ev)
		return true
	})
}

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/chunkledger/internal/contentstore"
	"github.com/roach88/chunkledger/internal/reconcile"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/session"
)

const (
	headerClientTimestamp = "X-Client-Timestamp"
	headerSequenceHint    = "X-Sequence-Hint"
)

type createSessionRequest struct {
	Owner string `json:"owner" binding:"required"`
}

type canonicalResponse struct {
	SessionID string         `json:"session_id"`
	Chunks    []record.Chunk `json:"chunks"`
	Gaps      []int64        `json:"gaps"`
}

func (s *Server) health(c *gin.Context) {
	if err := s.media.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("invalid request body: %v", err))
		return
	}
	sess, err := s.sessions.CreateSession(c.Request.Context(), req.Owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		s.fail(c, badRequest("owner query parameter is required"))
		return
	}
	logs, err := s.sessions.ListSessions(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "sessions": logs})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) endSession(c *gin.Context) {
	sess, err := s.sessions.EndSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) appendChunk(c *gin.Context) {
	data, err := s.readBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	ts, err := clientTimestamp(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	hint, err := sequenceHint(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	chunk, err := s.sessions.AppendChunk(c.Request.Context(), session.AppendRequest{
		SessionID:       c.Param("id"),
		Data:            data,
		ClientTimestamp: ts,
		ClientHint:      hint,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, chunk)
}

func (s *Server) listChunks(c *gin.Context) {
	chunks, err := s.sessions.Chunks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "chunks": chunks})
}

func (s *Server) canonical(c *gin.Context) {
	chunks, err := s.sessions.Canonical(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	gaps := reconcile.Gaps(chunks)
	if gaps == nil {
		gaps = []int64{}
	}
	c.JSON(http.StatusOK, canonicalResponse{SessionID: c.Param("id"), Chunks: chunks, Gaps: gaps})
}

func (s *Server) resubmitChunk(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 0 {
		s.fail(c, badRequest("sequence number %q is not a non-negative integer", c.Param("seq")))
		return
	}
	data, err := s.readBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(data) == 0 {
		data = nil
	}
	ts, err := clientTimestamp(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	chunk, err := s.sessions.ResubmitChunk(c.Request.Context(), session.ResubmitRequest{
		SessionID:       c.Param("id"),
		SequenceNumber:  seq,
		Data:            data,
		ClientTimestamp: ts,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, chunk)
}

func (s *Server) getChunk(c *gin.Context) {
	id := c.Param("attempt")
	wait := c.Query("wait")
	if wait == "" {
		chunk, err := s.sessions.GetChunk(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, chunk)
		return
	}

	d, err := time.ParseDuration(wait)
	if err != nil || d <= 0 {
		s.fail(c, badRequest("wait %q is not a positive duration", wait))
		return
	}
	if d > maxWait {
		d = maxWait
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), d)
	defer cancel()

	chunk, err := s.sessions.WaitChunk(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.fail(c, err)
		return
	}
	// A wait that times out still reports the current state.
	c.JSON(http.StatusOK, chunk)
}

func (s *Server) abandonChunk(c *gin.Context) {
	chunk, err := s.sessions.AbandonChunk(c.Request.Context(), c.Param("attempt"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chunk)
}

func (s *Server) verifyContentID(c *gin.Context) {
	report, err := s.verifier.VerifyByContentID(c.Request.Context(), c.Param("cid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) verifyFile(c *gin.Context) {
	data, err := s.readBody(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.verifier.VerifyByFile(c.Request.Context(), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listMedia(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		s.fail(c, badRequest("owner query parameter is required"))
		return
	}
	records, err := s.media.ListMediaRecordsByOwner(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}

	media := make([]mediaItem, len(records))
	for i, m := range records {
		media[i] = mediaItem{MediaRecord: m}
		if s.gateway != "" {
			media[i].URL = contentstore.GatewayURL(s.gateway, m.ContentID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "media": media})
}

type mediaItem struct {
	record.MediaRecord
	URL string `json:"url,omitempty"`
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Stats())
}

// readBody reads the raw request body up to the configured limit.
func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, badRequest("read body: %v", err)
	}
	return data, nil
}

// clientTimestamp parses X-Client-Timestamp. Absent means the server
// assigns the time.
func clientTimestamp(c *gin.Context) (time.Time, error) {
	v := c.GetHeader(headerClientTimestamp)
	if v == "" {
		return time.Time{}, nil
	}
	ts, err := record.ParseTime(v)
	if err != nil {
		return time.Time{}, badRequest("%s: %v", headerClientTimestamp, err)
	}
	return ts, nil
}

func sequenceHint(c *gin.Context) (*int64, error) {
	v := c.GetHeader(headerSequenceHint)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, badRequest("%s: %q is not an integer", headerSequenceHint, v)
	}
	return &n, nil
}

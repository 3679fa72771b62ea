package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
)

// logStreamHeartbeat keeps idle SSE connections alive through proxies.
const logStreamHeartbeat = 30 * time.Second

type spawnWorkerRequest struct {
	TemplateID string `json:"templateId"`
	SessionID  string `json:"sessionId"`
}

type workerLogsResponse struct {
	WorkerID string         `json:"workerId"`
	Lines    []pool.LogLine `json:"lines"`
}

func (s *Server) listWorkers(c *gin.Context) {
	snapshot, err := s.deps.Pool.Pool()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) spawnWorker(c *gin.Context) {
	var req spawnWorkerRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.TemplateID == "" {
		respondError(c, &domain.ValidationError{Field: "templateId", Reason: "templateId is required"})
		return
	}

	worker, err := s.deps.Pool.Spawn(req.TemplateID, req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, worker)
}

func (s *Server) terminateWorker(c *gin.Context) {
	if err := s.deps.Pool.Terminate(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseWorker(c *gin.Context) {
	if err := s.deps.Pool.Pause(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeWorker(c *gin.Context) {
	if err := s.deps.Pool.Resume(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getWorkerLogs(c *gin.Context) {
	workerID := c.Param("id")
	if _, err := s.deps.Workers.Get(workerID); err != nil {
		respondError(c, err)
		return
	}

	n := 0
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, &domain.ValidationError{Field: "n", Reason: "must be an integer"})
			return
		}
		n = parsed
	}

	lines := s.deps.Pool.Logs(workerID, n)
	if lines == nil {
		lines = []pool.LogLine{}
	}
	c.JSON(http.StatusOK, workerLogsResponse{WorkerID: workerID, Lines: lines})
}

// streamWorkerLogs follows a worker's log over SSE: buffered lines are
// replayed first, then live lines as they arrive. The subscription is
// taken before the replay so no line falls between the two; a line can
// appear twice on the boundary, never not at all.
func (s *Server) streamWorkerLogs(c *gin.Context) {
	workerID := c.Param("id")
	if _, err := s.deps.Workers.Get(workerID); err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	feed := s.deps.Pool.LogFeed().Subscribe(ctx)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	for _, line := range s.deps.Pool.Logs(workerID, 0) {
		writeLogEvent(c, line)
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(logStreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Payload.WorkerID != workerID {
				continue
			}
			writeLogEvent(c, ev.Payload)
			c.Writer.Flush()
		}
	}
}

func writeLogEvent(c *gin.Context, line pool.LogLine) {
	data, err := json.Marshal(line)
	if err != nil {
		log.ErrorErr(log.CatAPI, "marshal log line", err, "workerId", line.WorkerID)
		return
	}
	fmt.Fprintf(c.Writer, "event: log\ndata: %s\n\n", data)
}

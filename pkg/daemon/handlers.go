package daemon

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/journal"
	"github.com/spmt-unicamp/spmtcal/pkg/version"
)

// RunRequest is the optional body of POST /run: configuration keys
// (koanf paths such as "channels" or "timing.dacsettle") overriding the
// daemon configuration for this run only.
type RunRequest struct {
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// RunResponse is returned by POST /run.
type RunResponse struct {
	ID uint64 `json:"id"`
}

// ScheduleResponse is returned by the schedule routes.
type ScheduleResponse struct {
	Cron string    `json:"cron"`
	Next time.Time `json:"next,omitempty"`
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, tracker.snapshot())
}

func postRun(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
	}

	cfg := currentConfig()
	if len(req.Overrides) > 0 {
		src := sources
		src.Overrides = req.Overrides
		var err error
		cfg, err = config.Load(src)
		if err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
	}

	id, err := startRun(cfg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrRunInProgress) {
			status = http.StatusConflict
		}
		c.IndentedJSON(status, err.Error())
		_ = c.AbortWithError(status, err)
		return
	}

	c.IndentedJSON(http.StatusAccepted, RunResponse{ID: id})
}

func postCancel(c *gin.Context) {
	if err := cancelRun(); err != nil {
		c.IndentedJSON(http.StatusConflict, err.Error())
		_ = c.AbortWithError(http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, "ok")
}

func getRuns(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		var err error
		if limit, err = strconv.Atoi(s); err != nil {
			c.IndentedJSON(http.StatusBadRequest, err.Error())
			_ = c.AbortWithError(http.StatusBadRequest, err)
			return
		}
	}
	runs, err := listRuns(limit)
	if err != nil {
		logrus.WithError(err).Error("failed to list runs")
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, runs)
}

func getRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if runJournal != nil {
		sum, err := runJournal.Get(id)
		if errors.Is(err, journal.ErrNotFound) {
			c.IndentedJSON(http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			c.IndentedJSON(http.StatusInternalServerError, err.Error())
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.IndentedJSON(http.StatusOK, sum)
		return
	}

	runs, _ := listRuns(0)
	for _, r := range runs {
		if r.ID == id {
			c.IndentedJSON(http.StatusOK, r)
			return
		}
	}
	c.IndentedJSON(http.StatusNotFound, "run not found")
}

// getEvents streams hub events as server-sent events until the client goes
// away or the daemon shuts down.
func getEvents(c *gin.Context) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	// send the headers now so clients return from Do on an idle daemon
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		case <-stopStreams:
			return false
		}
	})
}

func getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, currentConfig())
}

func getSchedule(c *gin.Context) {
	expr, next := scheduler.Status()
	c.IndentedJSON(http.StatusOK, ScheduleResponse{Cron: expr, Next: next})
}

func putSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}
	if err := scheduler.Schedule(expr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	cfg := currentConfig()
	cfg.Schedule = expr
	setConfig(cfg)

	expr, next := scheduler.Status()
	c.IndentedJSON(http.StatusCreated, ScheduleResponse{Cron: expr, Next: next})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Info())
}

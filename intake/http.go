// Package intake exposes the master's job operations over HTTP. It is a
// thin adapter: request bodies are decoded and handed to the master, which
// owns all semantics.
package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jmorlock/disco/coordinator"
	"github.com/jmorlock/disco/jobpack"
	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/master"
	"github.com/jmorlock/disco/pipeline"
)

// maxPackBytes bounds an accepted job pack.
const maxPackBytes = 16 << 20

// API registers the intake routes on an echo instance.
type API struct {
	master *master.Master
	logger logging.Logger
}

// New creates the intake API.
func New(m *master.Master, logger logging.Logger) *API {
	if logger == nil {
		logger = logging.Nop()
	}
	return &API{master: m, logger: logger.Bind("component", "intake")}
}

// Register mounts the routes.
func (a *API) Register(e *echo.Echo) {
	g := e.Group("/disco")
	g.POST("/jobs", a.submitJob)
	g.GET("/jobs", a.listJobs)
	g.GET("/jobs/:name", a.getJob)
	g.POST("/jobs/:name/kill", a.killJob)
	g.POST("/jobs/:name/results", a.taskDone)
}

type submitResponse struct {
	OK      bool   `json:"ok"`
	JobName string `json:"job_name"`
}

func (a *API) submitJob(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPackBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read job pack: "+err.Error())
	}

	jobName, err := a.master.Submit(c.Request().Context(), raw)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobpack.ErrInvalidPack) || errors.Is(err, pipeline.ErrUnsupportedPipeline) {
			status = http.StatusBadRequest
		}
		return echo.NewHTTPError(status, err.Error())
	}

	a.logger.Info("job_accepted", "job", jobName)
	return c.JSON(http.StatusOK, submitResponse{OK: true, JobName: jobName})
}

func (a *API) listJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, a.master.Jobs())
}

func (a *API) getJob(c echo.Context) error {
	status, err := a.master.Job(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

type killRequest struct {
	Reason string `json:"reason"`
}

func (a *API) killJob(c echo.Context) error {
	var req killRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Reason == "" {
		req.Reason = "killed by request"
	}
	if err := a.master.Kill(c.Param("name"), req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

type taskDoneRequest struct {
	TaskID coordinator.TaskID     `json:"task_id"`
	Host   string                 `json:"host"`
	Result coordinator.TaskResult `json:"result"`
}

func (a *API) taskDone(c echo.Context) error {
	var req taskDoneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Result.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "result kind is required")
	}
	if err := a.master.TaskDone(c.Param("name"), req.TaskID, req.Host, req.Result); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

package run

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

// IdempotencyHeader lets a client resubmit without creating a second run.
const IdempotencyHeader = "Idempotency-Key"

func Register(rg *gin.RouterGroup, svc *runsvc.Service) {
	rg.POST("", submitRun(svc))
	rg.GET("", listRuns(svc))
	rg.GET("/:id", getRun(svc))
	rg.DELETE("/:id", cancelRun(svc))
	rg.GET("/:id/events", runEvents(svc))
}

type submitRunReq struct {
	CardID      string   `json:"card_id" binding:"required"`
	SessionID   string   `json:"session_id"`
	TestCases   []string `json:"test_cases"`
	Priority    string   `json:"priority"`
	Parallelism int      `json:"parallelism"`
}

func writeError(c *gin.Context, err error) {
	if fault.Retryable(err) {
		c.Header("Retry-After", "1")
	}
	c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
}

func submitRun(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRunReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ack, err := svc.SubmitRun(c.Request.Context(), runsvc.SubmitInput{
			CardID:         req.CardID,
			SessionID:      req.SessionID,
			TestCases:      req.TestCases,
			Priority:       req.Priority,
			Parallelism:    req.Parallelism,
			IdempotencyKey: c.GetHeader(IdempotencyHeader),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ack)
	}
}

func listRuns(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters domainrun.ListFilters
		if v := c.Query("card_id"); v != "" {
			filters.CardID = &v
		}
		if v := c.Query("instance_id"); v != "" {
			filters.InstanceID = &v
		}
		if v := c.Query("status"); v != "" {
			for _, s := range strings.Split(v, ",") {
				filters.Statuses = append(filters.Statuses, domainrun.Status(strings.TrimSpace(s)))
			}
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			filters.Limit = n
		}

		runs, err := svc.ListRuns(c.Request.Context(), filters)
		if err != nil {
			writeError(c, err)
			return
		}
		if runs == nil {
			runs = []domainrun.Request{}
		}
		c.JSON(http.StatusOK, runs)
	}
}

func getRun(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		v, err := svc.GetRun(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func cancelRun(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		status, err := svc.CancelRun(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"execution_id": id, "status": status})
	}
}

func runEvents(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		events, err := svc.RunEvents(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if events == nil {
			events = []execution.Event{}
		}
		c.JSON(http.StatusOK, events)
	}
}

package queue

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/domain/resource"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

// Register mounts the coordinator status and limit endpoints on rg.
func Register(rg *gin.RouterGroup, svc *runsvc.Service) {
	rg.GET("/queue", queueStatus(svc))
	rg.PUT("/queue/limit", setQueueLimit(svc))
	rg.GET("/gates", gateStatuses(svc))
	rg.GET("/gates/:name", gateStatus(svc))
	rg.GET("/usage", usage(svc))
	rg.PUT("/limits", setLimits(svc))
}

func queueStatus(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.QueueStatus(c.Request.Context())
		if err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

type setQueueLimitReq struct {
	Limit int `json:"limit" binding:"required"`
}

func setQueueLimit(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setQueueLimitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetQueueLimit(c.Request.Context(), req.Limit); err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"limit": req.Limit})
	}
}

func gateStatuses(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GateStatuses())
	}
}

func gateStatus(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.GateStatus(c.Param("name"))
		if err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func usage(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Usage())
	}
}

func setLimits(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limits resource.Limits
		if err := c.ShouldBindJSON(&limits); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetResourceLimits(c.Request.Context(), limits); err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, svc.Usage())
	}
}

package analytics

import (
	"net/http"

	"github.com/gin-gonic/gin"

	domainanalytics "github.com/alanyang/promptlab/internal/domain/analytics"
	"github.com/alanyang/promptlab/internal/domain/fault"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
)

func Register(rg *gin.RouterGroup, svc *runsvc.Service) {
	rg.GET("", queryAnalytics(svc))
}

// queryAnalytics serves GET ?card_id=&start=&end=&granularity= with RFC 3339 bounds.
func queryAnalytics(svc *runsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cardID := c.Query("card_id")
		if cardID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "card_id is required"})
			return
		}
		tr, err := domainanalytics.ParseTimeRange(c.Query("start"), c.Query("end"))
		if err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		g, err := domainanalytics.ParseGranularity(c.Query("granularity"))
		if err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}

		res, err := svc.QueryAnalytics(c.Request.Context(), domainanalytics.Query{
			CardID:      cardID,
			Range:       tr,
			Granularity: g,
		})
		if err != nil {
			c.JSON(fault.HTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

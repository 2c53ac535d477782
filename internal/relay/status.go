package relay

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	Clients       int     `json:"clients"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewStatusServer builds a tiny read-only Echo app exposing relay health,
// grounded on the teacher's server/internal/httpapi Echo setup
// (Recover + request logging middleware, HideBanner/HidePort). This is
// ambient operability, not a protocol feature: the UDP relay itself never
// depends on HTTP being reachable.
func NewStatusServer(r *Relay) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, statusResponse{
			Clients:       r.ClientCount(),
			UptimeSeconds: r.Uptime().Seconds(),
		})
	})

	return e
}

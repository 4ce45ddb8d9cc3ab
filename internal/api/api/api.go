package api

import (
	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"

	"memberhub/cmd/middleware"
	"memberhub/internal/service"
)

type Routers struct {
	Service service.Service
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())
	apiGroup := app.Group("/v1")

	apiGroup.POST("/members", r.Service.CreateMember)
	apiGroup.GET("/members/directory", r.Service.GetDirectory)
	apiGroup.PUT("/members/:id/visibility", r.Service.SetVisibility)

	apiGroup.POST("/members/:id/email", r.Service.BeginEmailChange)
	apiGroup.POST("/members/:id/email/password", r.Service.VerifyEmailPassword)
	apiGroup.POST("/members/:id/email/code", r.Service.VerifyEmailCode)
	apiGroup.DELETE("/members/:id/email", r.Service.CancelEmailChange)

	apiGroup.POST("/events", r.Service.CreateEvent)
	apiGroup.GET("/events", r.Service.GetAllEvents)
	apiGroup.GET("/events/:id", r.Service.GetEvent)
	apiGroup.PUT("/events/:id/rsvp", r.Service.RecordRSVP)
	apiGroup.GET("/events/:id/attendance", r.Service.GetAttendance)
	apiGroup.POST("/events/:id/reminders", r.Service.SendReminders)

	return app
}

package api

import (
	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"

	"eventbot/cmd/middleware"
	"eventbot/internal/service"
)

type Routers struct {
	Service service.Service
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())
	apiGroup := app.Group("/v1")

	apiGroup.POST("/events", r.Service.CreateEvent)
	apiGroup.GET("/events", r.Service.GetAllEvents)
	apiGroup.GET("/events/:id", r.Service.GetInfo)
	apiGroup.POST("/events/:id/transition", r.Service.TransitionEvent)
	apiGroup.POST("/events/:id/limits", r.Service.AdjustLimit)

	apiGroup.POST("/flows", r.Service.StartFlow)
	apiGroup.POST("/flows/advance", r.Service.AdvanceFlow)
	apiGroup.DELETE("/flows/:user_id", r.Service.CancelFlow)

	apiGroup.POST("/registrations/:id/confirm", r.Service.ConfirmPayment)
	apiGroup.POST("/registrations/:id/cancel", r.Service.CancelRegistration)
	apiGroup.GET("/users/:id/registrations", r.Service.UserRegistrations)

	return app
}

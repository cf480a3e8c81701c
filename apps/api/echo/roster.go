package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

type rosterApi struct {
	rec      *group.Reconciler
	validate *validator.Validate
}

func registerRosterAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := rosterApi{
		rec:      opts.Reconciler,
		validate: opts.Validate,
	}

	// the host platform delivers roster webhooks with a moderator token
	rg := g.Group("/roster", jwt, moderatorMiddleware())
	rg.POST("/events", api.applyEvent)
}

func (api *rosterApi) applyEvent(ctx echo.Context) error {
	var ev group.RosterEvent
	if err := ctx.Bind(&ev); err != nil {
		return errors.Wrap(err, "binding to RosterEvent")
	}
	if ev.Kind == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "kind", Error: "this field is required"})
	}

	if err := api.rec.Apply(ctx.Request().Context(), ev); err != nil {
		return errors.Wrap(err, "applying roster event")
	}
	return ctx.NoContent(http.StatusAccepted)
}

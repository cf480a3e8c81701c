package echoapi

import (
	"net/http"
	"strconv"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

type groupApi struct {
	svc        *group.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerGroupAPI(g *echo.Group, jwt echo.MiddlewareFunc, opts *Options) {
	api := groupApi{
		svc:        opts.GroupSvc,
		validate:   opts.Validate,
		translator: opts.Translator,
	}

	ag := g.Group("/activities", jwt)
	ag.POST("", api.createActivity, moderatorMiddleware())
	ag.GET("", api.listActivities)
	ag.GET("/:id", api.retrieveActivity)
	ag.PUT("/:id", api.updateActivity, moderatorMiddleware())
	ag.DELETE("/:id", api.destroyActivity, moderatorMiddleware())

	ag.GET("/:id/groups", api.overview)
	ag.POST("/:id/groups", api.addGroup, moderatorMiddleware())
	ag.PUT("/:id/groups/order", api.reorder, moderatorMiddleware())
	ag.POST("/:id/groups/swap", api.swapOrder, moderatorMiddleware())
	ag.POST("/:id/push", api.pushRoster, moderatorMiddleware())
	ag.GET("/:id/roster.csv", api.exportRoster, moderatorMiddleware())

	ag.POST("/:id/groups/:gid/register", api.register)
	ag.DELETE("/:id/groups/:gid/register", api.unregister)
	ag.DELETE("/:id/groups/:gid/queue", api.leaveQueue)
	ag.POST("/:id/groups/:gid/assign", api.assign, moderatorMiddleware())

	gg := g.Group("/groups", jwt, moderatorMiddleware())
	gg.PUT("/:id/capacity", api.resize)
	gg.PUT("/:id/active", api.setActive)
	gg.DELETE("/:id", api.removeGroup)
	gg.POST("/:id/promote", api.promote)
}

// Handlers

func (api *groupApi) createActivity(ctx echo.Context) error {
	var data group.NewActivity
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewActivity")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	act, err := api.svc.CreateActivity(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating activity")
	}
	return ctx.JSON(http.StatusCreated, act)
}

func (api *groupApi) listActivities(ctx echo.Context) error {
	courseID, err := strconv.Atoi(ctx.QueryParam("course_id"))
	if err != nil || courseID < 1 {
		return core.NewValidationError(nil, core.FieldError{Field: "course_id", Error: "a valid course_id is required"})
	}

	activities, err := api.svc.ListActivities(ctx.Request().Context(), courseID)
	if err != nil {
		return errors.Wrap(err, "listing activities")
	}
	if activities == nil {
		activities = []group.Activity{}
	}
	return ctx.JSON(http.StatusOK, activities)
}

func (api *groupApi) retrieveActivity(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	act, err := api.svc.GetActivity(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting activity")
	}
	return ctx.JSON(http.StatusOK, act)
}

func (api *groupApi) updateActivity(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data group.UpdateActivity
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateActivity")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	act, err := api.svc.UpdateActivity(ctx.Request().Context(), id, data)
	if err != nil {
		return errors.Wrap(err, "updating activity")
	}
	return ctx.JSON(http.StatusOK, act)
}

func (api *groupApi) destroyActivity(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	if err = api.svc.DeleteActivity(ctx.Request().Context(), id); err != nil {
		return errors.Wrap(err, "deleting activity")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) overview(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	summaries, err := api.svc.Overview(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "getting overview")
	}
	return ctx.JSON(http.StatusOK, summaries)
}

func (api *groupApi) addGroup(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data AddGroupRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AddGroupRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ag, err := api.svc.AddGroup(ctx.Request().Context(), id, data.GroupID)
	if err != nil {
		return errors.Wrap(err, "adding group")
	}
	return ctx.JSON(http.StatusCreated, ag)
}

func (api *groupApi) reorder(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data ReorderRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReorderRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err = api.svc.Reorder(ctx.Request().Context(), id, data.OrderedIDs); err != nil {
		return errors.Wrap(err, "reordering groups")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) swapOrder(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data SwapOrderRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SwapOrderRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	if err = api.svc.SwapOrder(ctx.Request().Context(), id, data.A, data.B); err != nil {
		return errors.Wrap(err, "swapping sort order")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) pushRoster(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	pushed, err := api.svc.PushRoster(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "pushing roster")
	}
	return ctx.JSON(http.StatusOK, echo.Map{"pushed": pushed})
}

func (api *groupApi) exportRoster(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="roster.csv"`)
	res.WriteHeader(http.StatusOK)
	return api.svc.ExportRoster(ctx.Request().Context(), res, id)
}

func (api *groupApi) register(ctx echo.Context) error {
	activityID, groupID, err := pathActivityGroup(ctx)
	if err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data RegisterRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RegisterRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	userID := claims.UserID
	if data.UserID != 0 && data.UserID != claims.UserID {
		// registering on behalf of another user is a moderator action
		if !claims.IsModerator {
			return errHttpForbidden
		}
		userID = data.UserID
	}

	res, err := api.svc.Register(ctx.Request().Context(), activityID, groupID, userID, claims.UserID)
	if err != nil {
		return errors.Wrap(err, "registering")
	}
	if res.Queued() {
		return ctx.JSON(http.StatusAccepted, res)
	}
	return ctx.JSON(http.StatusCreated, res)
}

func (api *groupApi) unregister(ctx echo.Context) error {
	activityID, groupID, err := pathActivityGroup(ctx)
	if err != nil {
		return err
	}
	userID, err := targetUserID(ctx)
	if err != nil {
		return err
	}

	if err = api.svc.Unregister(ctx.Request().Context(), activityID, groupID, userID); err != nil {
		return errors.Wrap(err, "unregistering")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) leaveQueue(ctx echo.Context) error {
	activityID, groupID, err := pathActivityGroup(ctx)
	if err != nil {
		return err
	}
	userID, err := targetUserID(ctx)
	if err != nil {
		return err
	}

	if err = api.svc.LeaveQueue(ctx.Request().Context(), activityID, groupID, userID); err != nil {
		return errors.Wrap(err, "leaving queue")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) assign(ctx echo.Context) error {
	activityID, groupID, err := pathActivityGroup(ctx)
	if err != nil {
		return err
	}
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data AssignRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AssignRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	regs, err := api.svc.Assign(ctx.Request().Context(), activityID, groupID, data.UserIDs, claims.UserID)
	if err != nil {
		return errors.Wrap(err, "assigning users")
	}
	if regs == nil {
		regs = []group.Registration{}
	}
	return ctx.JSON(http.StatusCreated, regs)
}

func (api *groupApi) resize(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data ResizeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResizeRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ag, err := api.svc.Resize(ctx.Request().Context(), id, data.Capacity)
	if err != nil {
		return errors.Wrap(err, "resizing group")
	}
	return ctx.JSON(http.StatusOK, ag)
}

func (api *groupApi) setActive(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	var data SetActiveRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SetActiveRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ag, err := api.svc.SetActive(ctx.Request().Context(), id, *data.Active)
	if err != nil {
		return errors.Wrap(err, "setting active flag")
	}
	return ctx.JSON(http.StatusOK, ag)
}

func (api *groupApi) removeGroup(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	if err = api.svc.RemoveGroup(ctx.Request().Context(), id); err != nil {
		return errors.Wrap(err, "removing group")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *groupApi) promote(ctx echo.Context) error {
	id, err := pathInt(ctx, "id")
	if err != nil {
		return err
	}
	reg, err := api.svc.PromoteNext(ctx.Request().Context(), id)
	if err != nil {
		return errors.Wrap(err, "promoting")
	}
	if reg == nil {
		return ctx.NoContent(http.StatusNoContent)
	}
	return ctx.JSON(http.StatusCreated, reg)
}

// helpers

func pathInt(ctx echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(ctx.Param(name))
	if err != nil || v < 1 {
		return 0, core.NewValidationError(nil, core.FieldError{Field: name, Error: "a valid id is required"})
	}
	return v, nil
}

func pathActivityGroup(ctx echo.Context) (activityID, groupID int, err error) {
	if activityID, err = pathInt(ctx, "id"); err != nil {
		return 0, 0, err
	}
	if groupID, err = pathInt(ctx, "gid"); err != nil {
		return 0, 0, err
	}
	return activityID, groupID, nil
}

// targetUserID resolves the user a registration action applies to: the caller
// themselves, or a user_id query param when the caller moderates.
func targetUserID(ctx echo.Context) (int, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting context claims")
	}
	if raw := ctx.QueryParam("user_id"); raw != "" {
		userID, err := strconv.Atoi(raw)
		if err != nil || userID < 1 {
			return 0, core.NewValidationError(nil, core.FieldError{Field: "user_id", Error: "a valid user_id is required"})
		}
		if userID != claims.UserID && !claims.IsModerator {
			return 0, errHttpForbidden
		}
		return userID, nil
	}
	return claims.UserID, nil
}

// Bindings

type (
	AddGroupRequest struct {
		GroupID int `json:"group_id" validate:"required,min=1"`
	}

	ReorderRequest struct {
		OrderedIDs []int `json:"ordered_ids" validate:"required,min=1,dive,min=1"`
	}

	SwapOrderRequest struct {
		A int `json:"a" validate:"required,min=1"`
		B int `json:"b" validate:"required,min=1"`
	}

	RegisterRequest struct {
		UserID int `json:"user_id" validate:"omitempty,min=1"`
	}

	AssignRequest struct {
		UserIDs []int `json:"user_ids" validate:"required,min=1,dive,min=1"`
	}

	ResizeRequest struct {
		Capacity *int `json:"capacity" validate:"omitempty,min=0"`
	}

	SetActiveRequest struct {
		Active *bool `json:"active" validate:"required"`
	}
)

func (r *AddGroupRequest) Validate(validate *validator.Validate) error  { return validate.Struct(r) }
func (r *ReorderRequest) Validate(validate *validator.Validate) error   { return validate.Struct(r) }
func (r *SwapOrderRequest) Validate(validate *validator.Validate) error { return validate.Struct(r) }
func (r *RegisterRequest) Validate(validate *validator.Validate) error  { return validate.Struct(r) }
func (r *AssignRequest) Validate(validate *validator.Validate) error    { return validate.Struct(r) }
func (r *ResizeRequest) Validate(validate *validator.Validate) error    { return validate.Struct(r) }
func (r *SetActiveRequest) Validate(validate *validator.Validate) error { return validate.Struct(r) }

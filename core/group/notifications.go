package group

import (
	"context"
	"net/mail"

	"github.com/mwalimu/grouptool/core"
)

type promotedMailData struct {
	ActivityName string
	GroupName    string
}

// notifyPromoted informs the promoted user. Delivery is fire-and-forget: the
// promotion is committed by the time this runs and lookup or send failures
// only get logged.
func (svc *Service) notifyPromoted(ctx context.Context, act Activity, ag ActiveGroup, userID int) {
	addr, err := svc.dir.UserAddress(ctx, userID)
	if err != nil {
		svc.logger.Error("resolving promoted user's address", err)
		return
	}

	groupName := ""
	if rg, err := svc.roster.GetGroup(ctx, ag.GroupID); err != nil {
		svc.logger.Warn("resolving group name for notification", err)
	} else {
		groupName = rg.Name
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{addr},
		Subject:      "You got a place in " + act.Name,
		TemplateName: "promoted",
		TemplateData: promotedMailData{
			ActivityName: act.Name,
			GroupName:    groupName,
		},
	})
}

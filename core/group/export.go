package group

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// ExportRoster writes the activity's full roster as CSV: one row per
// registration and per queue entry, groups in sort order. Group names are
// resolved from the external roster; a failed lookup leaves the name blank.
func (svc *Service) ExportRoster(ctx context.Context, w io.Writer, activityID int) error {
	groups, err := svc.repo.ListActiveGroups(ctx, activityID)
	if err != nil {
		return errors.Wrap(err, "listing active groups")
	}

	cw := csv.NewWriter(w)
	if err = cw.Write([]string{"group_id", "group_name", "user_id", "status", "registered_by"}); err != nil {
		return errors.Wrap(err, "writing header")
	}

	for _, ag := range groups {
		name := ""
		if rg, err := svc.roster.GetGroup(ctx, ag.GroupID); err != nil {
			svc.logger.Warn("resolving group name for export", err)
		} else {
			name = rg.Name
		}

		regs, err := svc.repo.ListRegistrations(ctx, ag.ID)
		if err != nil {
			return errors.Wrap(err, "listing registrations")
		}
		for _, reg := range regs {
			status := "registered"
			if reg.Provisional() {
				status = "provisional"
			}
			row := []string{
				strconv.Itoa(ag.GroupID),
				name,
				strconv.Itoa(reg.UserID),
				status,
				registeredByLabel(reg),
			}
			if err = cw.Write(row); err != nil {
				return errors.Wrap(err, "writing registration row")
			}
		}

		queue, err := svc.repo.ListQueue(ctx, ag.ID)
		if err != nil {
			return errors.Wrap(err, "listing queue")
		}
		for i, entry := range queue {
			row := []string{
				strconv.Itoa(ag.GroupID),
				name,
				strconv.Itoa(entry.UserID),
				"queued #" + strconv.Itoa(i+1),
				"",
			}
			if err = cw.Write(row); err != nil {
				return errors.Wrap(err, "writing queue row")
			}
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing csv")
}

func registeredByLabel(reg Registration) string {
	switch {
	case reg.Synced():
		return "sync"
	case reg.Provisional():
		return ""
	default:
		return strconv.Itoa(reg.RegisteredBy)
	}
}

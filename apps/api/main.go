package main

import (
	"fmt"
	"log"
	"os"

	"github.com/mwalimu/grouptool/apps/api/echo"
	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
	"github.com/mwalimu/grouptool/services/email"
	"github.com/mwalimu/grouptool/services/logger"
	"github.com/mwalimu/grouptool/services/roster"
	"github.com/mwalimu/grouptool/storage/database"
	"github.com/mwalimu/grouptool/storage/database/sqlx"
)

func main() {
	std := log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	var logger core.Logger
	if core.Conf.RollbarToken != "" {
		logger = logsvc.NewRollbarLogger(std, core.Conf)
	} else {
		logger = logsvc.NewStdLogger(std)
	}

	// set up DB
	db, err := database.Open(core.Conf)
	errAndDie(std, err)
	defer func() { _ = db.Close() }()

	// set up services
	var mailSvc core.EmailService
	if core.Conf.Debug {
		mailSvc = emailsvc.NewConsoleService()
	} else {
		mailSvc = emailsvc.NewSendgridService(logger)
	}
	rosterSvc := rostersvc.NewHTTPService(core.Conf)
	groupSvc := group.NewService(
		database.Wrap(db),
		sqlxrepos.NewGroupRepository(db),
		mailSvc,
		rosterSvc,
		rosterSvc,
		logger,
	)

	// start API server
	app := echoapi.NewServer(
		&echoapi.Options{
			Addr:       fmt.Sprintf(":%d", core.Conf.Server.Port),
			GroupSvc:   groupSvc,
			Reconciler: group.NewReconciler(groupSvc),
			Logger:     logger,
			Validate:   core.Validate,
			Translator: core.Translator,
		},
	)
	app.Start()
}

func errAndDie(std *log.Logger, err error) {
	if err != nil {
		std.Fatal(err)
	}
}

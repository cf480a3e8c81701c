package main

import (
	"log"
	"os"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
	"github.com/mwalimu/grouptool/services/email"
	"github.com/mwalimu/grouptool/services/logger"
	"github.com/mwalimu/grouptool/services/roster"
	"github.com/mwalimu/grouptool/storage/database"
	"github.com/mwalimu/grouptool/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	// set up DB
	db, err := database.Open(core.Conf)
	errAndDie(err)
	defer func() { _ = db.Close() }()

	rosterSvc := rostersvc.NewHTTPService(core.Conf)
	groupSvc := group.NewService(
		database.Wrap(db),
		sqlxrepos.NewGroupRepository(db),
		emailsvc.NewConsoleService(),
		rosterSvc,
		rosterSvc,
		logsvc.NewStdLogger(logger),
	)

	// start CLI
	cli := commandLine{
		db:  db,
		svc: groupSvc,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}

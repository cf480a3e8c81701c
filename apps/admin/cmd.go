package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
	"github.com/mwalimu/grouptool/storage/database"
)

var (
	errHelp = errors.New("help provided")

	migrateFunc  = database.Migrate          // mockable
	createDBFunc = database.CreateIfNotExist // mockable
)

type commandLine struct {
	db  *sqlx.DB
	svc *group.Service
	out io.Writer // defaults to os.Stdout
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  createdb                                     - create the database and app user if missing")
	fmt.Println("  migrate                                      - apply pending database migrations")
	fmt.Println("  exportroster -activity ID [-out FILE]        - export an activity's roster as CSV")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	exportCmd := flag.NewFlagSet("exportroster", flag.ExitOnError)
	exportActivity := exportCmd.Int("activity", 0, "The activity whose roster to export.")
	exportOut := exportCmd.String("out", "", "Destination file; stdout when omitted.")

	switch args[1] {
	case "createdb":
		return createDBFunc(core.Conf)
	case "migrate":
		var sdb *sql.DB
		if cli.db != nil {
			sdb = cli.db.DB
		}
		return migrateFunc(sdb)
	case "exportroster":
		if err := exportCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *exportActivity < 1 {
			exportCmd.Usage()
			return errHelp
		}
		return cli.exportRoster(*exportActivity, *exportOut)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) exportRoster(activityID int, out string) error {
	w := cli.out
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	} else if w == nil {
		w = os.Stdout
	}
	return cli.svc.ExportRoster(context.Background(), w, activityID)
}

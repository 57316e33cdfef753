package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bluesky-social/nestedsets/nestedsets"
	"github.com/bluesky-social/nestedsets/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "err", err.Error())
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "nsets",
		Usage:   "maintain a nested sets tree stored in a SQL table",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string for the tree database",
			Value:   "sqlite://data/nsets/nsets.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-conn",
			Usage:   "limit on size of database connection pool",
			Value:   8,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "table",
			Usage:   "name of the tree table",
			Value:   "nestedsets",
			EnvVars: []string{"NSETS_TABLE"},
		},
		&cli.StringFlag{
			Name:    "primary-key",
			Usage:   "primary key column",
			Value:   "id",
			EnvVars: []string{"NSETS_PRIMARY_KEY"},
		},
		&cli.StringFlag{
			Name:    "key-filter",
			Usage:   "primary key filter: integer or string",
			Value:   "integer",
			EnvVars: []string{"NSETS_KEY_FILTER"},
		},
		&cli.StringFlag{
			Name:    "parent-column",
			Usage:   "column referencing the parent node",
			Value:   "parent_id",
			EnvVars: []string{"NSETS_PARENT_COLUMN"},
		},
		&cli.StringFlag{
			Name:    "left-column",
			Usage:   "column holding the left boundary",
			Value:   "lft",
			EnvVars: []string{"NSETS_LEFT_COLUMN"},
		},
		&cli.StringFlag{
			Name:    "right-column",
			Usage:   "column holding the right boundary",
			Value:   "rgt",
			EnvVars: []string{"NSETS_RIGHT_COLUMN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"NSETS_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: text or json",
			EnvVars: []string{"NSETS_LOG_FMT"},
		},
		&cli.BoolFlag{
			Name:    "enable-db-tracing",
			Usage:   "emit OTEL spans for every SQL statement",
			EnvVars: []string{"NSETS_ENABLE_DB_TRACING"},
		},
		&cli.BoolFlag{
			Name:    "enable-otel-tracing",
			Usage:   "export traces over OTLP HTTP (configure with OTEL_EXPORTER_OTLP_ENDPOINT)",
			EnvVars: []string{"NSETS_ENABLE_OTEL_TRACING"},
		},
	}
	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}
	fieldsFlag := &cli.StringSliceFlag{
		Name:    "set",
		Aliases: []string{"s"},
		Usage:   "payload column value for the new node, as column=value (repeatable)",
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "init",
			Usage:  "create the tree table if it does not exist",
			Action: runInit,
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "column",
					Usage: "extra payload column, as name:TYPE (repeatable)",
					Value: cli.NewStringSlice("name:TEXT"),
				},
			},
		},
		&cli.Command{
			Name:   "add-root",
			Usage:  "append a new top-level node",
			Action: runAddRoot,
			Flags:  []cli.Flag{fieldsFlag},
		},
		&cli.Command{
			Name:      "add-child",
			Usage:     "append a new child under an existing node",
			ArgsUsage: "<parent-id>",
			Action:    runAddChild,
			Flags:     []cli.Flag{fieldsFlag},
		},
		&cli.Command{
			Name:      "delete",
			Usage:     "delete one node, promoting its children",
			ArgsUsage: "<id>",
			Action:    runDelete,
		},
		&cli.Command{
			Name:      "delete-subtree",
			Usage:     "delete a node together with all of its descendants",
			ArgsUsage: "<id>",
			Action:    runDeleteSubtree,
		},
		&cli.Command{
			Name:   "clear",
			Usage:  "delete every node, keeping the key sequence",
			Action: runClear,
		},
		&cli.Command{
			Name:   "truncate",
			Usage:  "empty the table and reset its key sequence",
			Action: runTruncate,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "yes",
					Usage: "confirm that all rows should be removed",
				},
			},
		},
		&cli.Command{
			Name:      "show",
			Usage:     "print one node and its descendant count as JSON",
			ArgsUsage: "<id>",
			Action:    runShow,
		},
		&cli.Command{
			Name:   "tree",
			Usage:  "print the whole forest",
			Action: runTree,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "label",
					Usage: "payload column to display next to each key",
					Value: "name",
				},
			},
		},
		&cli.Command{
			Name:   "verify",
			Usage:  "check every row against the nested set invariants",
			Action: runVerify,
		},
		&cli.Command{
			Name:  "version",
			Usage: "print version",
			Action: func(cctx *cli.Context) error {
				fmt.Println(versioninfo.Short())
				return nil
			},
		},
	}

	return app.Run(args)
}

func schemaFromFlags(cctx *cli.Context) (nestedsets.Schema, error) {
	filter, err := nestedsets.ParseKeyFilter(cctx.String("key-filter"))
	if err != nil {
		return nestedsets.Schema{}, err
	}
	return nestedsets.Schema{
		Table:      cctx.String("table"),
		PrimaryKey: cctx.String("primary-key"),
		Parent:     cctx.String("parent-column"),
		Left:       cctx.String("left-column"),
		Right:      cctx.String("right-column"),
		KeyFilter:  filter,
	}, nil
}

// openMaintainer connects to the database and returns a maintainer plus a
// cleanup function that flushes traces and closes the pool.
var setupOTEL = cliutil.SetupOTEL

func openMaintainer(cctx *cli.Context) (*nestedsets.Maintainer, func(), error) {
	ctx := cctx.Context
	logger := slog.Default().With("system", "nsets")

	schema, err := schemaFromFlags(cctx)
	if err != nil {
		return nil, nil, err
	}

	shutdownOTEL := func(context.Context) error { return nil }
	if cctx.Bool("enable-otel-tracing") {
		shutdownOTEL, err = setupOTEL(ctx, "nsets")
		if err != nil {
			return nil, nil, err
		}
	}

	fail := func(err error) (*nestedsets.Maintainer, func(), error) {
		if serr := shutdownOTEL(context.Background()); serr != nil {
			logger.Error("failed to shutdown trace exporter", "err", serr)
		}
		return nil, nil, err
	}

	db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-conn"))
	if err != nil {
		return fail(err)
	}
	if cctx.Bool("enable-db-tracing") {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return fail(err)
		}
	}

	m, err := nestedsets.NewMaintainer(db, schema)
	if err != nil {
		if sqldb, derr := db.DB(); derr == nil {
			_ = sqldb.Close()
		}
		return fail(err)
	}
	m.Logger = logger.With("table", schema.Table)

	cleanup := func() {
		if err := shutdownOTEL(context.Background()); err != nil {
			logger.Error("failed to shutdown trace exporter", "err", err)
		}
		if sqldb, err := db.DB(); err == nil {
			_ = sqldb.Close()
		}
	}
	return m, cleanup, nil
}

// parseFields turns repeated column=value flags into an insert payload.
func parseFields(kvs []string) (map[string]any, error) {
	fields := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field must be column=value: %q", kv)
		}
		fields[k] = v
	}
	return fields, nil
}

func parseColumns(specs []string) ([]nestedsets.Column, error) {
	var cols []nestedsets.Column
	for _, s := range specs {
		name, typ, ok := strings.Cut(s, ":")
		if !ok || name == "" || typ == "" {
			return nil, fmt.Errorf("column must be name:TYPE: %q", s)
		}
		cols = append(cols, nestedsets.Column{Name: name, Type: typ})
	}
	return cols, nil
}

func requireArg(cctx *cli.Context, what string) (string, error) {
	s := cctx.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide %s as an argument", what)
	}
	return s, nil
}

func runInit(cctx *cli.Context) error {
	cols, err := parseColumns(cctx.StringSlice("column"))
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.EnsureTable(cctx.Context, cols...)
}

func runAddRoot(cctx *cli.Context) error {
	fields, err := parseFields(cctx.StringSlice("set"))
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := m.InsertNode(cctx.Context, fields)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runAddChild(cctx *cli.Context) error {
	parent, err := requireArg(cctx, "parent node key")
	if err != nil {
		return err
	}
	fields, err := parseFields(cctx.StringSlice("set"))
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := m.InsertChild(cctx.Context, parent, fields)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runDelete(cctx *cli.Context) error {
	id, err := requireArg(cctx, "node key")
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.DeleteNode(cctx.Context, id)
}

func runDeleteSubtree(cctx *cli.Context) error {
	id, err := requireArg(cctx, "node key")
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.DeleteWithChildren(cctx.Context, id)
}

func runClear(cctx *cli.Context) error {
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.DeleteTree(cctx.Context)
}

func runTruncate(cctx *cli.Context) error {
	if !cctx.Bool("yes") {
		return fmt.Errorf("refusing to truncate without --yes")
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.Truncate(cctx.Context)
}

func runShow(cctx *cli.Context) error {
	id, err := requireArg(cctx, "node key")
	if err != nil {
		return err
	}
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := m.GetNode(cctx.Context, id)
	if err != nil {
		return err
	}
	count, err := nestedsets.NumberOfChildren(*n)
	if err != nil {
		return err
	}

	out := map[string]any{
		"id":          n.ID,
		"parent":      n.Parent,
		"left":        n.Left,
		"right":       n.Right,
		"descendants": count,
		"fields":      n.Fields,
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runTree(cctx *cli.Context) error {
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	nodes, err := m.ListNodes(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Print(renderTree(m.Schema().Table, nodes, cctx.String("label")))
	return nil
}

func runVerify(cctx *cli.Context) error {
	m, cleanup, err := openMaintainer(cctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Verify(cctx.Context); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"CoachMail/internal/config"
	"CoachMail/internal/csvparser"
	"CoachMail/internal/db"
	"CoachMail/internal/models"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp(logger).RunContext(ctx, os.Args); err != nil {
		logger.Fatal("enqueue failed", zap.Error(err))
	}
}

func newApp(logger *zap.Logger) *cli.App {
	return &cli.App{
		Name:  "enqueue",
		Usage: "manage the scheduled email queue",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "create the scheduled_emails table and indexes",
				Action: func(c *cli.Context) error {
					store, err := openStore(c.Context, logger)
					if err != nil {
						return err
					}
					defer store.Close()

					if err := store.Migrate(c.Context); err != nil {
						return err
					}
					logger.Info("schema applied")
					return nil
				},
			},
			{
				Name:      "import",
				Usage:     "queue scheduled emails from a CSV file",
				ArgsUsage: "<file.csv>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "max-rows",
						Value: csvparser.DefaultMaxRows,
						Usage: "maximum number of rows to import",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "parse and validate without writing",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one CSV file", 2)
					}

					emails, skipped, err := csvparser.ParseFile(c.Args().First(), c.Int("max-rows"))
					if err != nil {
						return fmt.Errorf("parse %s: %w", c.Args().First(), err)
					}
					for _, s := range skipped {
						logger.Warn("skipped csv row", zap.Int("line", s.Line), zap.Error(s.Err))
					}

					if c.Bool("dry-run") {
						logger.Info("dry run", zap.Int("valid", len(emails)), zap.Int("skipped", len(skipped)))
						return nil
					}

					store, err := openStore(c.Context, logger)
					if err != nil {
						return err
					}
					defer store.Close()

					n, err := importEmails(c.Context, store, emails, logger)
					logger.Info("import finished",
						zap.Int("queued", n),
						zap.Int("skipped", len(skipped)),
					)
					return err
				},
			},
		},
	}
}

func openStore(ctx context.Context, logger *zap.Logger) (*db.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store, err := db.New(cfg.DatabaseURL, db.Settings{})
	if err != nil {
		return nil, err
	}

	if err := store.WaitReady(ctx, logger); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

type inserter interface {
	Insert(ctx context.Context, e *models.ScheduledEmail) error
}

// importEmails stops at the first insert error and reports how many rows
// were queued before it.
func importEmails(ctx context.Context, store inserter, emails []models.ScheduledEmail, logger *zap.Logger) (int, error) {
	for i := range emails {
		e := &emails[i]
		if err := store.Insert(ctx, e); err != nil {
			return i, err
		}
		logger.Debug("queued scheduled email",
			zap.String("email_id", e.EmailID),
			zap.String("to", e.ToEmail),
			zap.String("send_at", e.DateToSend+" "+e.TimeToSend),
		)
	}
	return len(emails), nil
}

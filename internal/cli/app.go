package cli

import (
	"errors"
	"log/slog"
	"os"

	"github.com/roach88/regelapi/internal/channel/sqlitelog"
	"github.com/roach88/regelapi/internal/config"
	"github.com/roach88/regelapi/internal/correlator"
	"github.com/roach88/regelapi/internal/janitor"
	"github.com/roach88/regelapi/internal/reevaluation"
	"github.com/roach88/regelapi/internal/service"
	"github.com/roach88/regelapi/internal/store"
)

// app is the object graph shared by every command.
type app struct {
	cfg       config.Config
	store     *store.Store
	log       *sqlitelog.Log
	validator *correlator.Validator
	publisher *correlator.Publisher
	submitter *service.Submitter
	decider   *reevaluation.Decider
	service   *service.Service
}

// configureLogging installs the default slog handler on stderr.
func configureLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openApp opens the store and the message log and wires the components on
// top of them. Callers must Close the result.
func openApp(cfg config.Config) (*app, error) {
	slog.Debug("opening result store", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open result store", err)
	}

	slog.Debug("opening message log", "path", cfg.LogDBPath, "partitions", cfg.Partitions)
	mlog, err := sqlitelog.Open(cfg.LogDBPath,
		sqlitelog.WithPartitions(cfg.Partitions),
		sqlitelog.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open message log", err)
	}

	validator, err := correlator.NewValidator()
	if err != nil {
		st.Close()
		mlog.Close()
		return nil, WrapExitError(ExitFailure, "failed to compile message schema", err)
	}

	publisher := correlator.NewPublisher(mlog, cfg.RequestTopic,
		correlator.WithPublishTimeout(cfg.PublishTimeout),
		correlator.WithBreaker(cfg.BreakerTripAfter, cfg.BreakerCooldown),
	)
	submitter := service.NewSubmitter(st, publisher)
	decider := reevaluation.New(st, submitter,
		reevaluation.WithPolling(cfg.ReevaluationInterval, cfg.ReevaluationAttempts),
	)

	return &app{
		cfg:       cfg,
		store:     st,
		log:       mlog,
		validator: validator,
		publisher: publisher,
		submitter: submitter,
		decider:   decider,
		service:   service.New(st, submitter, decider),
	}, nil
}

func (a *app) resultPond() *correlator.ResultPond {
	return correlator.NewResultPond(a.log.Consumer(a.cfg.ConsumerGroup), a.cfg.ResultTopic, a.store, a.validator)
}

func (a *app) consumptionPond() *correlator.ConsumptionPond {
	return correlator.NewConsumptionPond(a.log.Consumer(a.cfg.ConsumerGroup), a.cfg.ConsumptionTopic, a.store, a.validator)
}

func (a *app) janitor(opts ...janitor.Option) *janitor.Janitor {
	policy := janitor.Policy{Retention: a.cfg.RetentionWindow, HardCeiling: a.cfg.HardCeiling}
	opts = append([]janitor.Option{janitor.WithSchedule(a.cfg.JanitorInitialDelay, a.cfg.JanitorPeriod)}, opts...)
	return janitor.New(a.store, policy, opts...)
}

// Close closes the message log and the store.
func (a *app) Close() error {
	return errors.Join(a.log.Close(), a.store.Close())
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cewatcher/internal/admin"
	"cewatcher/internal/alerting"
	"cewatcher/internal/config"
	"cewatcher/internal/detector"
	"cewatcher/internal/fetcher"
	"cewatcher/internal/logging"
	"cewatcher/internal/scheduler"
	"cewatcher/internal/service"
	"cewatcher/internal/storage"
	"cewatcher/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Tail   *logging.Tail
	Out    io.Writer
}

// NewApp constructs a new application handle. tail may be nil.
func NewApp(cfg *config.Config, logger zerolog.Logger, tail *logging.Tail) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Tail:   tail,
		Out:    os.Stdout,
	}
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn().Msg("database.driver is memory; history is lost on exit")
	}
	return store, store.Close, nil
}

func (a *App) newSource() fetcher.RateSource {
	src := a.Config.Source
	if src.Kind == "ethereum" {
		return fetcher.NewEthereumSource(fetcher.EthereumOptions{
			RPCURL:            src.Ethereum.RPCURL,
			Timeout:           src.Timeout,
			RequestsPerSecond: src.Ethereum.RequestsPerSecond,
			Decimals:          src.Ethereum.Decimals,
		}, a.Logger)
	}
	return fetcher.NewHTTPSource(fetcher.HTTPOptions{
		URL:          src.URL,
		QueryPattern: src.QueryPattern,
		Timeout:      src.Timeout,
		UserAgent:    src.UserAgent,
	}, a.Logger)
}

func (a *App) newDetector(store detector.Store) (*detector.Detector, error) {
	configured, err := a.Config.ThresholdRates()
	if err != nil {
		return nil, err
	}
	rates := make([]detector.Rate, len(configured))
	for i, r := range configured {
		rates[i] = detector.Rate{ID: r.ID, Name: r.Name, Rules: r.Rules}
	}
	return detector.New(store, detector.Options{
		Rates:        rates,
		Window:       a.Config.Detector.SuppressionWindow,
		Workers:      a.Config.Detector.Workers,
		WriteTimeout: a.Config.Detector.WriteTimeout,
	}, a.Logger)
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	ref, err := a.Config.ReferenceLocation()
	if err != nil {
		return nil, err
	}
	local, err := a.Config.LocalLocation()
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Options{
		Hour:          a.Config.Scheduler.Hour,
		Minute:        a.Config.Scheduler.Minute,
		ReferenceZone: ref,
		LocalZone:     local,
		RunOnStart:    a.Config.Scheduler.RunOnStart,
	}, a.Logger)
}

func (a *App) resolveSecrets(ctx context.Context) error {
	if !a.Config.NeedsSecrets() {
		return nil
	}
	client, err := config.NewSSMClient(ctx)
	if err != nil {
		return err
	}
	return a.Config.ResolveSecrets(ctx, client)
}

func (a *App) newEmailNotifier(ctx context.Context) (*alerting.EmailNotifier, error) {
	if err := a.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	cfg := a.Config.Alerting.Email
	return alerting.NewEmailNotifier(alerting.EmailOptions{
		AppName:  a.Config.App.Name,
		SelfURL:  a.Config.App.SelfURL,
		Host:     cfg.Host,
		Port:     cfg.Port,
		SSL:      cfg.SSL,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		To:       cfg.To,
		Timeout:  a.Config.Alerting.SendTimeout,
	}, a.Logger)
}

// newNotifier builds the configured channels. The returned closer is never nil.
// The order is email, kafka, telegram.
func (a *App) newNotifier(ctx context.Context) (*alerting.Fanout, func(), error) {
	var (
		channels []alerting.Channel
		closers  []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("close notifier")
			}
		}
	}

	cfg := a.Config.Alerting
	if cfg.Email.Enabled {
		email, err := a.newEmailNotifier(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		channels = append(channels, alerting.Channel{Name: "email", Notifier: email})
	}
	if cfg.Kafka.Enabled {
		k, err := alerting.NewKafkaNotifier(alerting.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.SendTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, k.Close)
		channels = append(channels, alerting.Channel{Name: "kafka", Notifier: k})
	}
	if cfg.Telegram.Enabled {
		tg := alerting.NewTelegramNotifier(a.Config.App.Name, cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.SendTimeout, a.Logger)
		channels = append(channels, alerting.Channel{Name: "telegram", Notifier: tg})
	}

	return alerting.NewFanout(channels, cfg.SendTimeout, a.Logger), closeAll, nil
}

type pipeline struct {
	store    storage.Store
	service  *service.Service
	notifier *alerting.Fanout
	close    func()
}

func (a *App) buildPipeline(ctx context.Context, source fetcher.RateSource, sched *scheduler.Scheduler) (*pipeline, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	det, err := a.newDetector(store)
	if err != nil {
		closeStore()
		return nil, err
	}

	var fanout *alerting.Fanout
	closeNotifier := func() {}
	if a.Config.Alerting.Enabled {
		fanout, closeNotifier, err = a.newNotifier(ctx)
		if err != nil {
			closeStore()
			return nil, err
		}
		a.Logger.Info().Strs("channels", fanout.Channels()).Msg("alerting enabled")
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	var notifier alerting.Notifier
	if fanout != nil {
		notifier = fanout
	}
	svc := service.New(service.Options{
		AlertsEnabled: a.Config.Alerting.Enabled,
		FetchTimeout:  a.Config.Source.Timeout,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
	}, sched, source, det, notifier, locker, a.Logger)

	return &pipeline{
		store:    store,
		service:  svc,
		notifier: fanout,
		close: func() {
			closeNotifier()
			closeStore()
		},
	}, nil
}

// Run executes the long-running watcher and, when configured, the admin server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	p, err := a.buildPipeline(ctx, a.newSource(), sched)
	if err != nil {
		return err
	}
	defer p.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Msg("starting watcher")
		return p.service.Run(gctx)
	})
	if a.Config.Admin.Addr != "" {
		srv := admin.NewServer(admin.Options{
			Addr:        a.Config.Admin.Addr,
			AppName:     a.Config.App.Name,
			Version:     version.Version,
			EventsLimit: a.Config.Admin.EventsLimit,
		}, p.service, p.store, a.Tail, a.Logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}

// Check runs one cycle immediately against the configured source and prints the result.
func (a *App) Check(ctx context.Context) error {
	p, err := a.buildPipeline(ctx, a.newSource(), nil)
	if err != nil {
		return err
	}
	defer p.close()

	result := p.service.RunOnce(ctx, time.Now())
	a.printCycle(result)
	return result.Err
}

// NextRun prints the resolved local run time and the next fire.
func (a *App) NextRun() error {
	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	hour, minute := sched.LocalTime()
	local, _ := a.Config.LocalLocation()
	fmt.Fprintf(a.Out, "Daily run: %02d:%02d %s (%02d:%02d %s)\n",
		a.Config.Scheduler.Hour, a.Config.Scheduler.Minute, a.Config.Scheduler.ReferenceTimezone,
		hour, minute, local)
	fmt.Fprintf(a.Out, "Next run:  %s\n", sched.NextRun().Format(alerting.DisplayDateFormat))
	return nil
}

// TestEmail sends the fixed test message through the email channel.
func (a *App) TestEmail(ctx context.Context) error {
	if !a.Config.Alerting.Email.Enabled {
		return errors.New("alerting.email is not enabled")
	}
	email, err := a.newEmailNotifier(ctx)
	if err != nil {
		return err
	}
	if err := email.SendTest(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "test email sent to %v\n", a.Config.Alerting.Email.To)
	return nil
}

// Migrate creates the storage schema.
func (a *App) Migrate(ctx context.Context) error {
	cfg := a.Config.Database
	cfg.AutoMigrate = false
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", cfg.Driver).Msg("schema ensured")
	return nil
}

func (a *App) printCycle(r service.CycleResult) {
	switch {
	case r.Skipped != "":
		fmt.Fprintf(a.Out, "cycle %s skipped: %s\n", r.ID, r.Skipped)
	case len(r.Events) == 0:
		fmt.Fprintf(a.Out, "cycle %s: %d rates observed, no changes\n", r.ID, r.Observed)
	default:
		fmt.Fprintf(a.Out, "cycle %s: %d rates observed, %d change(s)\n", r.ID, r.Observed, len(r.Events))
		fmt.Fprint(a.Out, alerting.PlainText(r.Events))
	}
	if r.Err != nil {
		fmt.Fprintf(a.Out, "error: %v\n", r.Err)
	}
}

// ExportOptions hold parameters for exporting pull history.
type ExportOptions struct {
	RateID    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Pulls bool
}

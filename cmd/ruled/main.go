// ruled is the notification rules engine daemon and toolbelt.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	"gopkg.in/yaml.v3"

	rulengine "github.com/forgeworks/go-rulengine"
	"github.com/forgeworks/go-rulengine/cache"
	"github.com/forgeworks/go-rulengine/delivery"
	"github.com/forgeworks/go-rulengine/engine"
	"github.com/forgeworks/go-rulengine/expr"
	"github.com/forgeworks/go-rulengine/store"
)

type cli struct {
	Verbose bool `short:"v" help:"Enable debug logging."`

	Serve    serveCmd    `cmd:"" help:"Run the rules engine daemon."`
	Validate validateCmd `cmd:"" help:"Validate a rules file without running it."`
	Fire     fireCmd     `cmd:"" help:"Dispatch one event or run one rule manually."`
}

func main() {
	var app cli
	ctx := kong.Parse(&app,
		kong.Name("ruled"),
		kong.Description("Notification rules engine."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&runContext{logger: newLogger(app.Verbose)})
	ctx.FatalIfErrorf(err)
}

type runContext struct {
	logger rulengine.Logger
}

func newLogger(verbose bool) rulengine.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	return glogAdapter{logger: glog.NewLogger(
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)}
}

// glogAdapter bridges go-logger to the engine's Logger contract.
type glogAdapter struct {
	logger glog.Logger
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) rulengine.Logger {
	if ctx == nil {
		return l
	}
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) rulengine.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}

type rulesFile struct {
	Rules []*rulengine.Rule `yaml:"rules"`
}

func loadRulesFile(path string) ([]*rulengine.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return file.Rules, nil
}

// openStore picks SQLite when a path is given, otherwise an in-memory store
// seeded from the rules file.
func openStore(ctx context.Context, db, rulesPath string) (engine.Store, func() error, error) {
	if db != "" {
		s, err := store.OpenSQLite(db)
		if err != nil {
			return nil, nil, err
		}
		if rulesPath != "" {
			if err := seedRules(ctx, s.SaveRule, rulesPath); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil
	}

	if rulesPath == "" {
		return nil, nil, fmt.Errorf("either --db or --rules is required")
	}
	s := store.NewMemory()
	if err := seedRules(ctx, s.SaveRule, rulesPath); err != nil {
		return nil, nil, err
	}
	return s, func() error { return nil }, nil
}

func seedRules(ctx context.Context, save func(context.Context, *rulengine.Rule) error, path string) error {
	rules, err := loadRulesFile(path)
	if err != nil {
		return err
	}
	sandbox, err := expr.New()
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if err := sandbox.CheckRule(rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if err := save(ctx, rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func buildEngine(s engine.Store, logger rulengine.Logger, ratePerMinute int) (*engine.Engine, error) {
	var transport rulengine.Delivery = delivery.NewLog(logger)
	if ratePerMinute > 0 {
		transport = delivery.NewRateLimited(transport, ratePerMinute, 5)
	}
	return engine.New(s,
		engine.WithLogger(logger),
		engine.WithDelivery(transport),
		engine.WithCache(cache.NewMemory()),
	)
}

type serveCmd struct {
	DB            string `help:"SQLite database path." type:"path"`
	Rules         string `help:"YAML rules file to load." type:"existingfile"`
	RatePerMinute int    `help:"Cap outbound notifications per minute." default:"0"`
	RetentionDays int    `help:"Delete finished executions older than this many days." default:"30"`
}

func (c *serveCmd) Run(rc *runContext) error {
	ctx := context.Background()
	s, closeStore, err := openStore(ctx, c.DB, c.Rules)
	if err != nil {
		return err
	}
	defer closeStore()

	eng, err := buildEngine(s, rc.logger, c.RatePerMinute)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	cleanupDone := make(chan struct{})
	cleanupStop := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupStop:
				return
			case <-ticker.C:
				retention := time.Duration(c.RetentionDays) * 24 * time.Hour
				if _, err := eng.CleanupExecutions(ctx, retention); err != nil {
					rc.logger.Warn("execution cleanup failed err=%v", err)
				}
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(cleanupStop)
	<-cleanupDone
	return eng.Stop(ctx)
}

type validateCmd struct {
	Rules string `arg:"" help:"YAML rules file." type:"existingfile"`
}

func (c *validateCmd) Run(rc *runContext) error {
	rules, err := loadRulesFile(c.Rules)
	if err != nil {
		return err
	}
	sandbox, err := expr.New()
	if err != nil {
		return err
	}

	failed := 0
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			rc.logger.Error("rule invalid rule=%s err=%v", rule.ID, err)
			failed++
			continue
		}
		if err := sandbox.CheckRule(rule); err != nil {
			rc.logger.Error("rule expression invalid rule=%s err=%v", rule.ID, err)
			failed++
			continue
		}
		rc.logger.Info("rule ok rule=%s code=%s", rule.ID, rule.Code)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rules failed validation", failed, len(rules))
	}
	fmt.Printf("%d rules valid\n", len(rules))
	return nil
}

type fireCmd struct {
	DB    string `help:"SQLite database path." type:"path"`
	Rules string `help:"YAML rules file to load." type:"existingfile"`

	Event   string `help:"Event name to dispatch." xor:"target"`
	Rule    string `help:"Rule id to execute manually." xor:"target"`
	Payload string `help:"JSON payload / sample data." default:"{}"`
	User    string `help:"Acting user id for manual executions."`
}

func (c *fireCmd) Run(rc *runContext) error {
	if c.Event == "" && c.Rule == "" {
		return fmt.Errorf("one of --event or --rule is required")
	}

	ctx := context.Background()
	s, closeStore, err := openStore(ctx, c.DB, c.Rules)
	if err != nil {
		return err
	}
	defer closeStore()

	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	eng, err := buildEngine(s, rc.logger, 0)
	if err != nil {
		return err
	}
	defer eng.Stop(ctx)

	if c.Event != "" {
		return eng.OnEvent(ctx, c.Event, payload)
	}

	result, err := eng.ExecuteRuleManually(ctx, c.Rule, payload, c.User)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/invoker"
	"github.com/rl0ve/uipath-process-app-training/internal/maestro"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/openapi"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// env is the wiring shared by every subcommand.
type env struct {
	cfg      *config.Config
	client   *maestro.Client
	resolver *detail.Resolver
	rctx     *model.RequestContext
	out      io.Writer
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "maestroctl",
		Usage: "Inspect and cancel Maestro process instances",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the monitor configuration file",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "Vendor cloud URL (overrides MAESTRO_BASE_URL)",
			},
			&cli.StringFlag{
				Name:  "org",
				Usage: "Organisation name (overrides MAESTRO_ORG_NAME)",
			},
			&cli.StringFlag{
				Name:  "tenant",
				Usage: "Tenant name (overrides MAESTRO_TENANT_NAME)",
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "OAuth client id (overrides MAESTRO_CLIENT_ID)",
			},
			&cli.StringFlag{
				Name:    "client-secret",
				Usage:   "OAuth client secret",
				Sources: cli.EnvVars("MAESTRO_CLIENT_SECRET"),
			},
			&cli.StringFlag{
				Name:  "entity-id",
				Usage: "Entity holding attachments (overrides MAESTRO_ENTITY_ID)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			newProcessesCommand(out),
			newInstancesCommand(out),
			newDetailCommand(out),
			newCancelCommand(out),
		},
	}
}

func newProcessesCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "processes",
		Usage: "List processes with their instance counts",
		Action: func(ctx context.Context, command *cli.Command) error {
			e, err := setup(ctx, command, out)
			if err != nil {
				return err
			}
			defs, err := e.client.ListProcesses(ctx, e.rctx)
			if err != nil {
				return err
			}
			return e.print(defs)
		},
	}
}

func newInstancesCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "instances",
		Usage: "List one page of instances",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "process", Usage: "Package id to filter by"},
			&cli.StringFlag{Name: "cursor", Usage: "Page cursor from a previous listing"},
			&cli.IntFlag{Name: "page-size", Usage: "Instances per page", Value: 25},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			e, err := setup(ctx, command, out)
			if err != nil {
				return err
			}
			page, err := e.client.ListInstances(ctx, e.rctx, model.InstanceQuery{
				PageSize:  int(command.Int("page-size")),
				Cursor:    command.String("cursor"),
				PackageID: command.String("process"),
			})
			if err != nil {
				return err
			}
			return e.print(page)
		},
	}
}

func newDetailCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "detail",
		Usage:     "Resolve the detail view of an instance",
		ArgsUsage: "<instanceId>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Usage: "Folder key of the instance", Required: true},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := instanceArg(command)
			if err != nil {
				return err
			}
			e, err := setup(ctx, command, out)
			if err != nil {
				return err
			}
			d := e.resolver.Resolve(ctx, e.rctx, model.ProcessInstance{InstanceID: id, FolderKey: command.String("folder")})
			if err := e.print(d); err != nil {
				return err
			}
			if d.Error != "" {
				return errors.New(d.Error)
			}
			return nil
		},
	}
}

func newCancelCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a faulted instance",
		ArgsUsage: "<instanceId>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Usage: "Folder key of the instance", Required: true},
			&cli.StringFlag{Name: "comment", Usage: "Cancellation comment"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := instanceArg(command)
			if err != nil {
				return err
			}
			e, err := setup(ctx, command, out)
			if err != nil {
				return err
			}
			comment := command.String("comment")
			if strings.TrimSpace(comment) == "" {
				comment = e.cfg.Dashboard.CancelComment
			}
			res, err := e.client.CancelInstance(ctx, e.rctx, id, command.String("folder"), comment)
			if err != nil {
				return err
			}
			if err := e.print(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("instance %s was not cancelled", id)
			}
			return nil
		},
	}
}

func instanceArg(command *cli.Command) (string, error) {
	id := strings.TrimSpace(command.Args().First())
	if id == "" {
		return "", errors.New("an instance id is required")
	}
	return id, nil
}

// loadConfig reads the config file when one is given, otherwise defaults
// with MAESTRO_* overrides. Flags win over both.
func loadConfig(command *cli.Command) (*config.Config, error) {
	var cfg *config.Config
	if path := command.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Defaults()
		config.ApplyEnvOverrides(cfg)
	}

	overrides := map[string]*string{
		"base-url":  &cfg.Vendor.BaseURL,
		"org":       &cfg.Vendor.OrgName,
		"tenant":    &cfg.Vendor.TenantName,
		"client-id": &cfg.Vendor.ClientID,
		"entity-id": &cfg.Vendor.EntityID,
	}
	for flag, dst := range overrides {
		if command.IsSet(flag) {
			*dst = command.String(flag)
		}
	}

	if cfg.Vendor.OrgName == "" || cfg.Vendor.TenantName == "" || cfg.Vendor.ClientID == "" {
		return nil, errors.New("org, tenant and client id are required")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	return observability.NewLogger(config.ObservabilityConfig{LogLevel: level}, observability.LoggerOptions{
		Component: "maestroctl",
		Output:    "stderr",
		Fallback:  zapcore.WarnLevel,
	})
}

// setup loads the configuration, fetches a client-credentials token and
// wires the vendor client.
func setup(ctx context.Context, command *cli.Command, out io.Writer) (*env, error) {
	cfg, err := loadConfig(command)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(command.String("log-level"))
	if err != nil {
		return nil, err
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.Vendor.ClientID,
		ClientSecret: command.String("client-secret"),
		TokenURL:     cfg.Vendor.TokenEndpoint(),
		Scopes:       cfg.Vendor.Scopes,
	}
	if cc.ClientSecret == "" {
		cc.ClientSecret = cfg.Vendor.ClientSecret()
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials: %w", err)
	}

	idx := openapi.NewIndex()
	svc := cfg.Service(config.MaestroServiceID)
	if err := maestro.LoadSpec(idx, svc.BaseURL); err != nil {
		return nil, err
	}
	inv := invoker.NewOpenAPIOperationInvoker(idx, map[string]config.ServiceConfig{maestro.ServiceID: svc}, nil, logger)
	client := maestro.NewClient(invoker.NewRegistry(inv))

	resolver := detail.NewResolver(client, client, detail.Options{
		EntityID: cfg.Vendor.EntityID,
		Timeout:  time.Minute,
		Logger:   logger,
	})
	rctx := &model.RequestContext{
		SessionID:  "maestroctl",
		OrgName:    cfg.Vendor.OrgName,
		TenantName: cfg.Vendor.TenantName,
		Token:      token.AccessToken,
	}
	return &env{cfg: cfg, client: client, resolver: resolver, rctx: rctx, out: out}, nil
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/edge"
	"github.com/wudi/edgegate/internal/logging"
	"github.com/wudi/edgegate/internal/origin"
	"github.com/wudi/edgegate/internal/router"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "configs/edgegate.yaml",
	Usage:   "path to configuration file",
	EnvVars: []string{"EDGEGATE_CONFIG"},
}

func main() {
	app := cli.NewApp()
	app.Name = "edgegate"
	app.HelpName = "edgegate"
	app.Usage = "Edge request routing and access control"
	app.Version = fmt.Sprintf("%s (built %s)", version, buildTime)

	app.Commands = []*cli.Command{
		serveCommand(),
		validateCommand(),
		resolveCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the edge listeners and the admin API",
		Flags:  []cli.Flag{configFlag},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edgegate",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("origins", len(cfg.Origins)),
		zap.Int("behaviors", len(cfg.Behaviors)),
		zap.Int("access_rules", len(cfg.AccessControl.Rules)),
	)

	server, err := edge.NewServer(c.Context, cfg, configPath)
	if err != nil {
		logging.Error("Failed to create edge", zap.Error(err))
		return err
	}
	if err := server.Run(c.Context); err != nil {
		logging.Error("Server error", zap.Error(err))
		return err
	}
	return nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "Load the configuration and build every origin, behavior and access rule",
		Flags:  []cli.Flag{configFlag},
		Action: validateAction,
	}
}

func validateAction(c *cli.Context) error {
	cfg, err := config.NewLoader().Load(c.String("config"))
	if err != nil {
		return err
	}
	h, err := edge.New(c.Context, cfg, edge.Options{})
	if err != nil {
		return err
	}
	h.Close()
	fmt.Fprintf(c.App.Writer, "Configuration is valid: %d origins, %d behaviors, %d access rules\n",
		len(cfg.Origins), len(cfg.Behaviors), len(cfg.AccessControl.Rules))
	return nil
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Print the behavior and origin selected for a path",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: "GET", Usage: "request method"},
		},
		Action: resolveAction,
	}
}

func resolveAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("resolve: exactly one path argument is required")
	}
	cfg, err := config.NewLoader().Load(c.String("config"))
	if err != nil {
		return err
	}
	return resolve(c.Context, cfg, c.String("method"), c.Args().First(), c.App.Writer)
}

func resolve(ctx context.Context, cfg *config.Config, method, path string, out io.Writer) error {
	origins, err := origin.BuildAll(ctx, cfg.Origins)
	if err != nil {
		return err
	}
	defer origin.CloseAll(origins)

	table, err := router.NewTable(cfg.Behaviors, origins)
	if err != nil {
		return err
	}

	b := table.Match(path)
	fmt.Fprintf(out, "behavior:  %s\n", b.Pattern)
	fmt.Fprintf(out, "origin:    %s (%s)\n", b.OriginID, kindOf(table, b.OriginID))
	fmt.Fprintf(out, "viewer:    %s\n", b.ViewerProtocolPolicy)
	fmt.Fprintf(out, "allowed:   %s\n", b.AllowedMethods)
	fmt.Fprintf(out, "cached:    %s\n", b.CachedMethods)

	if _, err := table.Resolve(path, method); err != nil {
		var mna *router.MethodNotAllowedError
		if errors.As(err, &mna) {
			fmt.Fprintf(out, "result:    %s not allowed (Allow: %s)\n", method, mna.Allow())
			return nil
		}
		return err
	}
	fmt.Fprintf(out, "result:    %s allowed\n", method)
	return nil
}

func kindOf(t *router.Table, id string) string {
	if o, ok := t.Origin(id); ok {
		return o.Kind().String()
	}
	return "unknown"
}

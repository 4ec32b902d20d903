package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonical/github-runner-image-builder/arch"
	simple "github.com/canonical/github-runner-image-builder/config"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/logging"
	"github.com/canonical/github-runner-image-builder/internal/services"
	"github.com/canonical/github-runner-image-builder/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	env, err := config.LoadEnvironment()
	if err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&app{logger: logger, level: &levelVar, env: env, stdout: os.Stdout})
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Default().Warn("command interrupted", "error", err)
			stop()
			os.Exit(130)
		}
		slog.Default().Error("command execution failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// app carries state shared by every command. The logger is replaced once
// the persistent flags are parsed.
type app struct {
	logger *slog.Logger
	level  *slog.LevelVar
	env    config.Environment
	stdout io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := logging.ModeCLI.String()

	root := &cobra.Command{
		Use:           "image-builder",
		Short:         "Build GitHub self-hosted runner images on OpenStack",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Set log format (cli, json, color)")
	root.PersistentFlags().StringVar(&a.env.CloudsYAML, "clouds-yaml", a.env.CloudsYAML, "Path to clouds.yaml (default: standard OpenStack locations)")
	root.PersistentFlags().StringVar(&a.env.StateDir, "state-dir", a.env.StateDir, "Directory for run history and staged images")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.level.Set(level)
		a.logger = logging.New(mode, os.Stderr, a.level)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newInitCommand(a),
		newRunCommand(a),
		newLatestBuildIDCommand(a),
		newMatrixCommand(a),
		newCloudInitCommand(a),
		newHistoryCommand(a),
	)
	return root
}

func newInitCommand(a *app) *cobra.Command {
	var (
		cloudName string
		archName  string
		bases     []string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "Upload base images and create the keypair and security group",
		RunE: func(cmd *cobra.Command, args []string) error {
			architecture, err := parseArch(archName)
			if err != nil {
				return err
			}
			parsed, err := config.ParseBases(bases)
			if err != nil {
				return err
			}

			cmdLogger := a.logger.With("command", "init", "arch", architecture)
			cmdLogger.Info("initializing cloud", "cloud", cloudName, "bases", parsed)

			images, err := simple.Init(cmd.Context(), a.env, services.InitRequest{
				CloudName: cloudName,
				Prefix:    a.env.Prefix,
				Arch:      architecture,
				Bases:     parsed,
			}, cmdLogger)
			if err != nil {
				cmdLogger.Error("init failed", "error", err)
				return err
			}
			for _, image := range images {
				fmt.Fprintf(a.stdout, "%s\t%s\n", image.Name, image.ID)
			}
			cmdLogger.Info("init completed", "images", len(images))
			return nil
		},
	}

	cmd.Flags().StringVar(&cloudName, "cloud-name", a.env.CloudName, "Cloud from clouds.yaml (default: first declared)")
	cmd.Flags().StringVar(&archName, "arch", "", "Image architecture (default: host architecture)")
	cmd.Flags().StringSliceVar(&bases, "base-image", nil, "Base images to upload (default: all supported)")
	cmd.Flags().StringVar(&a.env.Prefix, "prefix", a.env.Prefix, "Prefix for every created resource name")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var (
		archName       string
		baseName       string
		callbackScript string
	)

	cmd := &cobra.Command{
		Use:   "run <cloud-name> <image-name>",
		Args:  cobra.ExactArgs(2),
		Short: "Build one runner image and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			architecture, err := parseArch(archName)
			if err != nil {
				return err
			}
			base, err := config.ParseBase(baseName)
			if err != nil {
				return err
			}
			opts := simple.RunOptions{
				CloudName:      strings.TrimSpace(args[0]),
				ImageName:      strings.TrimSpace(args[1]),
				Base:           base,
				Arch:           architecture,
				CallbackScript: callbackScript,
			}

			cmdLogger := a.logger.With("command", "run", "cloud", opts.CloudName, "base", base, "arch", architecture)
			cmdLogger.Info("starting build", "image", opts.ImageName, "upload_clouds", a.env.UploadClouds)

			outcomes, err := simple.Run(cmd.Context(), a.env, opts, cmdLogger)
			if err != nil {
				cmdLogger.Error("build failed", "error", err)
				return err
			}

			var ids []string
			for _, outcome := range outcomes {
				if outcome.Err == nil {
					ids = append(ids, outcome.Image.ID)
				}
			}
			fmt.Fprintln(a.stdout, strings.Join(ids, ","))
			cmdLogger.Info("build completed", "image_ids", ids)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&archName, "arch", "", "Image architecture (default: host architecture)")
	flags.StringVar(&baseName, "base-image", string(config.Noble), "Ubuntu base image (jammy, noble)")
	flags.StringVar(&callbackScript, "callback-script", "", "Executable invoked with the comma-separated image ids")
	flags.IntVar(&a.env.Retention, "keep-revisions", a.env.Retention, "Number of image revisions to keep")
	flags.StringVar(&a.env.RunnerVersion, "runner-version", a.env.RunnerVersion, "GitHub Actions runner version (default: latest)")
	flags.StringVar(&a.env.Flavor, "flavor", a.env.Flavor, "Flavor for the build VM (default: smallest suitable)")
	flags.StringVar(&a.env.Network, "network", a.env.Network, "Network for the build VM (default: first with a subnet)")
	flags.StringVar(&a.env.Prefix, "prefix", a.env.Prefix, "Prefix for every created resource name")
	flags.StringVar(&a.env.Proxy, "proxy", a.env.Proxy, "HTTP proxy used inside the build VM")
	flags.StringVar(&a.env.ScriptURL, "script-url", a.env.ScriptURL, "Customization script run inside the build VM")
	flags.StringSliceVar(&a.env.UploadClouds, "upload-clouds", a.env.UploadClouds, "Clouds the image is published to (default: the build cloud)")
	return cmd
}

func newLatestBuildIDCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "latest-build-id <cloud-name> <image-name>",
		Args:  cobra.ExactArgs(2),
		Short: "Print the id of the newest image with the given name",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := simple.LatestBuildID(cmd.Context(), a.env, args[0], args[1], a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, id)
			return nil
		},
	}
}

func newMatrixCommand(a *app) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Build or query every image described by a matrix file",
	}
	cmd.PersistentFlags().IntVar(&workers, "workers", 0, "Concurrent jobs (default: IMAGE_BUILDER_PARALLELISM or CPUs - 1)")

	run := &cobra.Command{
		Use:   "run <matrix-file>",
		Args:  cobra.ExactArgs(1),
		Short: "Build every cell of the matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "matrix.run", "file", args[0])
			results, err := simple.RunMatrix(cmd.Context(), a.env, args[0], workers, cmdLogger)
			if err != nil {
				cmdLogger.Error("matrix build failed", "error", err)
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BASE\tARCH\tCLOUD\tIMAGE ID\tERROR")
			for _, result := range results {
				errText := ""
				if result.Err != nil {
					errText = result.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", result.Base, result.Arch, result.CloudName, result.ImageID, errText)
			}
			return w.Flush()
		},
	}

	fetch := &cobra.Command{
		Use:   "fetch-latest <matrix-file>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the newest image of every cell of the matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			images, err := simple.FetchLatest(cmd.Context(), a.env, args[0], workers, a.logger)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BASE\tARCH\tCLOUD\tIMAGE ID")
			for _, image := range images {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", image.Base, image.Arch, image.CloudName, image.ImageID)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(run, fetch)
	return cmd
}

func newCloudInitCommand(a *app) *cobra.Command {
	var (
		archName string
		baseName string
		hostname string
	)

	cmd := &cobra.Command{
		Use:   "cloud-init",
		Short: "Inspect the user-data script given to build VMs",
	}
	cmd.PersistentFlags().StringVar(&archName, "arch", "", "Image architecture (default: host architecture)")
	cmd.PersistentFlags().StringVar(&baseName, "base-image", string(config.Noble), "Ubuntu base image (jammy, noble)")
	cmd.PersistentFlags().StringVar(&a.env.RunnerVersion, "runner-version", a.env.RunnerVersion, "GitHub Actions runner version (default: latest)")
	cmd.PersistentFlags().StringVar(&a.env.Proxy, "proxy", a.env.Proxy, "HTTP proxy used inside the build VM")

	parse := func() (config.BaseImage, arch.Architecture, error) {
		architecture, err := parseArch(archName)
		if err != nil {
			return "", "", err
		}
		base, err := config.ParseBase(baseName)
		return base, architecture, err
	}

	render := &cobra.Command{
		Use:   "render",
		Args:  cobra.NoArgs,
		Short: "Print the rendered script",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, architecture, err := parse()
			if err != nil {
				return err
			}
			data, err := simple.RenderCloudInit(a.env, base, architecture)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}

	seed := &cobra.Command{
		Use:   "seed <output.iso>",
		Args:  cobra.ExactArgs(1),
		Short: "Write a NoCloud seed ISO holding the rendered script",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, architecture, err := parse()
			if err != nil {
				return err
			}
			if err := simple.WriteSeed(a.env, base, architecture, hostname, args[0]); err != nil {
				return err
			}
			a.logger.Info("seed image written", "path", args[0])
			return nil
		},
	}
	seed.Flags().StringVar(&hostname, "hostname", "image-builder", "Hostname written to meta-data")

	cmd.AddCommand(render, seed)
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Args:  cobra.NoArgs,
		Short: "List locally recorded build runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := simple.History(a.env)
			if err != nil {
				return err
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}

			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tIMAGE\tCLOUD\tSTATUS\tIMAGE IDS")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.StartedAt.Format(time.RFC3339), run.ImageName, run.Cloud, run.Status, strings.Join(run.ImageIDs(), ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show (0 for all)")
	return cmd
}

func parseArch(value string) (arch.Architecture, error) {
	if strings.TrimSpace(value) == "" {
		return arch.Host()
	}
	return arch.Parse(value)
}

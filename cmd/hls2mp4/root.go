package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/agleyzer/hls2mp4/internal/config"
	"github.com/agleyzer/hls2mp4/internal/history"
	"github.com/agleyzer/hls2mp4/internal/job"
	"github.com/agleyzer/hls2mp4/internal/server"
	"github.com/agleyzer/hls2mp4/internal/transcode"
)

const examples = `  hls2mp4 https://example.com/master.m3u8
  hls2mp4 -o movie.mp4 --concurrency 16 https://example.com/index.m3u8
  hls2mp4 --video-bitrate 5000 --audio-bitrate 192 https://example.com/index.m3u8
  hls2mp4 --skip-transcode -o movie.ts ./local.m3u8
  hls2mp4 history --limit 10`

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "hls2mp4 [flags] <playlist>",
		Short:         "Download an HLS stream and convert it to MP4",
		Long:          fmt.Sprintf("hls2mp4 v%s downloads every segment of an HLS playlist, decrypts AES-128 segments, merges them in order and converts the result with ffmpeg.", version),
		Example:       examples,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel())
			logger.Info("hls2mp4 starting", "version", version)

			return runDownload(cmd.Context(), cfg, args[0], logger, cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "configuration file (YAML or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose logging")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newHistoryCommand(&flags))
	rootCmd.AddCommand(newConfigCommand(&flags))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func loadConfig(cmd *cobra.Command, flags globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// newFFmpegLogger builds the hclog logger ffmpeg's output is forwarded to.
func newFFmpegLogger(w io.Writer, level slog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "ffmpeg",
		Level:  hclog.LevelFromString(level.String()),
		Output: w,
	})
}

func runDownload(ctx context.Context, cfg *config.Config, location string, logger *slog.Logger, stderr io.Writer) error {
	var options []job.Option
	options = append(options, job.WithProgressOutput(stderr))

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("job history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			defer store.Close()
			options = append(options, job.WithHistory(store))
		}
	}

	transcoder := transcode.New(cfg.FFmpeg, newFFmpegLogger(stderr, cfg.LogLevel()))

	runner := job.New(job.Options{
		Concurrency:   cfg.Concurrency,
		Retries:       cfg.Retries,
		RetryDelay:    cfg.RetryDelay,
		Timeout:       cfg.Timeout,
		Output:        cfg.Output,
		TempDir:       cfg.TempDir,
		KeepTemp:      cfg.KeepTemp,
		SkipTranscode: cfg.SkipTranscode,
		VideoBitrate:  cfg.VideoBitrate,
		AudioBitrate:  cfg.AudioBitrate,
	}, transcoder, logger, options...)

	if cfg.StatusPort > 0 {
		srvCtx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			if err := server.New(runner, cfg.StatusPort, logger).Start(srvCtx); err != nil {
				logger.Warn("status server shutdown", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-stopped
		}()
	}

	res, err := runner.Run(ctx, location)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("download canceled")
		}
		return err
	}

	logger.Info("output written",
		"path", res.Output,
		"segments", res.Segments,
		"size", humanize.Bytes(uint64(res.Bytes)),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return nil
}

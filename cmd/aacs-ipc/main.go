package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alexa/alexa-auto-sdk-sub003/config"
	"github.com/alexa/alexa-auto-sdk-sub003/envelope"
	"github.com/alexa/alexa-auto-sdk-sub003/ipc"
	"github.com/alexa/alexa-auto-sdk-sub003/observability"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: aacs-ipc <command> [flags]

commands:
  serve   run a receiver and log what arrives
  send    send a message to the configured targets
`)
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	return cfg, logger.Named(cfg.AppName), nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "entry point address (overrides ipc.listen_address)")
	fetchDir := fs.String("fetch-dir", "", "directory served to fetch requests, one file per stream id")
	_ = fs.Parse(args)

	cfg, logger, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	address := cfg.IPC.ListenAddress
	if *listen != "" {
		address = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := ipc.NewLoop()
	loop.Start()
	defer loop.Stop()

	consumer := func(_ context.Context, ev ipc.Event) {
		switch ev.Kind {
		case ipc.EventMessage, ipc.EventConfig:
			logger.Info("message received",
				zap.Stringer("kind", ev.Kind),
				zap.Int("bytes", len(ev.Message)),
				zap.Bool("foreground", ev.Foreground))
			logEnvelope(logger, ev.Message)
		case ipc.EventFetch:
			go serveFetch(logger, *fetchDir, ev.StreamID, ev.Writer)
		case ipc.EventPush:
			go drainPush(logger, ev.StreamID, ev.Reader)
		case ipc.EventCancelFetch:
			logger.Info("fetch cancelled", zap.String("stream_id", ev.StreamID))
		}
	}

	receiver, err := ipc.NewReceiver(loop, cfg.Network(), consumer, cfg.Options(logger)...)
	if err != nil {
		return err
	}

	logger.Info("serving", zap.String("address", address))
	serveErr := receiver.ListenAndServe(ctx, address)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receiver.Shutdown(shutdownCtx); err != nil {
		logger.Warn("receiver shutdown", zap.Error(err))
	}
	return serveErr
}

func logEnvelope(logger *zap.Logger, text string) {
	env, err := envelope.Decode(text)
	if err != nil {
		logger.Debug("message is not an envelope", zap.Error(err))
		return
	}
	logger.Info("envelope",
		zap.String("id", env.ID),
		zap.String("topic", env.Topic),
		zap.String("action", env.Action),
		zap.String("reply_to_id", env.ReplyToID))
}

func serveFetch(logger *zap.Logger, dir, streamID string, w io.WriteCloser) {
	defer w.Close()
	if dir == "" {
		logger.Warn("fetch requested but no fetch-dir configured", zap.String("stream_id", streamID))
		return
	}
	f, err := os.Open(filepath.Join(dir, filepath.Base(streamID)))
	if err != nil {
		logger.Warn("fetch source unavailable", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		logger.Warn("fetch copy failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	logger.Info("fetch served", zap.String("stream_id", streamID), zap.Int64("bytes", n))
}

func drainPush(logger *zap.Logger, streamID string, r io.ReadCloser) {
	defer r.Close()
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		logger.Warn("push read failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	logger.Info("push received", zap.String("stream_id", streamID), zap.Int64("bytes", n))
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	message := fs.String("message", "", "raw message text")
	file := fs.String("file", "", "read the message from a file")
	topic := fs.String("topic", "", "wrap -payload in a Publish envelope with this topic")
	action := fs.String("action", "", "envelope action (with -topic)")
	payload := fs.String("payload", "{}", "envelope payload JSON (with -topic)")
	asConfig := fs.Bool("config-action", false, "send with the config action")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for streamed delivery")
	_ = fs.Parse(args)

	cfg, logger, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	targets, err := cfg.ResolveTargets()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no targets configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	loop := ipc.NewLoop()
	loop.Start()
	defer loop.Stop()

	network := cfg.Network()
	dispatcher := ipc.NewNetDispatcher(network)
	dispatcher.SetLimits(cfg.IPC.Limits)

	sender, err := ipc.NewSender(loop, dispatcher, network, cfg.IPC.ReplyAddress, cfg.Options(logger)...)
	if err != nil {
		return err
	}
	if err := sender.Start(); err != nil {
		return err
	}
	defer func() { _ = sender.Shutdown(context.Background()) }()

	var fut *ipc.Future
	switch {
	case *topic != "":
		env := envelope.NewPublish(*topic, *action, json.RawMessage(*payload))
		fut, err = sender.SendEnvelope(ctx, env, targets...)
	default:
		text := *message
		if *file != "" {
			b, readErr := os.ReadFile(*file)
			if readErr != nil {
				return readErr
			}
			text = string(b)
		}
		if *asConfig {
			fut, err = sender.SendConfig(ctx, text, targets...)
		} else {
			fut, err = sender.Send(ctx, text, targets...)
		}
	}
	if err != nil {
		return err
	}

	if fut == nil {
		logger.Info("sent embedded", zap.Int("targets", len(targets)))
		return nil
	}
	ok, err := fut.Wait(ctx)
	if err != nil {
		return fmt.Errorf("streamed delivery: %w", err)
	}
	logger.Info("streamed delivery complete", zap.Bool("ok", ok), zap.Int("targets", len(targets)))
	return nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

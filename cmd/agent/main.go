// Command agent runs a voice conversation against the local microphone and
// speakers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/audio"
	"github.com/lokutor-ai/lokutor-turn/pkg/audio/device"
	"github.com/lokutor-ai/lokutor-turn/pkg/config"
	"github.com/lokutor-ai/lokutor-turn/pkg/observe"
	"github.com/lokutor-ai/lokutor-turn/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-turn/pkg/providers"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional path to a YAML configuration file")
	manual := flag.Bool("manual", false, "start in manual mode (press Enter to start/stop recording)")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		return 1
	}
	if *manual {
		cfg.Turn.AutoMode = false
	}

	logger := config.NewLogger(cfg.Server, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lokutor-agent"})
	if err != nil {
		logger.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() { _ = shutdownOTel(context.Background()) }()
	metrics := observe.DefaultMetrics()

	pipeline, set, err := providers.NewPipeline(cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "err", err)
		return 1
	}
	defer set.Close()
	pipeline.SetMetrics(metrics)

	dctx, err := device.NewContext()
	if err != nil {
		logger.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer dctx.Close()

	oc := cfg.Orchestrator()
	source := audio.NewPushSource(oc.SampleRate, oc.FrameDuration, cfg.Audio.QueueFrames)
	source.OnDrop(func() { metrics.RecordDroppedFrame(ctx, "queue") })

	mic, err := dctx.OpenMicrophone(source, oc.SampleRate)
	if err != nil {
		logger.Error("failed to open microphone", "err", err)
		return 1
	}
	defer mic.Close()

	speaker, err := dctx.OpenSpeaker(cfg.Audio.PlaybackSampleRate)
	if err != nil {
		logger.Error("failed to open speaker", "err", err)
		return 1
	}
	defer speaker.Close()

	ctrl := orchestrator.NewTurnController(ctx, "local", pipeline, oc,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)
	conv := orchestrator.NewConversation(ctrl, source, consoleSink{}, speaker, logger)

	providerNames := pipeline.GetProviders()
	logger.Info("agent started",
		"stt", providerNames["stt"],
		"llm", providerNames["llm"],
		"tts", providerNames["tts"],
		"language", oc.Language,
		"voice", oc.Voice,
		"auto", oc.AutoMode,
	)
	if oc.AutoMode {
		fmt.Println("Listening to microphone... press Ctrl+C to exit")
	} else {
		fmt.Println("Manual mode: press Enter to start and stop recording, Ctrl+C to exit")
		go manualControl(ctx, ctrl, logger)
	}

	if cfg.Agent.ShowLevels {
		go levelMeter(ctx, ctrl)
	}

	if err := conv.Greet(ctx, pipeline, cfg.Agent.Greeting); err != nil {
		logger.Warn("greeting failed", "err", err)
	}

	if err := conv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("conversation ended", "err", err)
		return 1
	}
	fmt.Println("\nShutting down...")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg, os.Getenv)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := config.RequireKeys(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// manualControl toggles recording on each line read from stdin.
func manualControl(ctx context.Context, ctrl *orchestrator.TurnController, logger *slog.Logger) {
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		if _, err := os.Stdin.Read(buf); err != nil {
			return
		}
		if buf[0] != '\n' {
			continue
		}
		var err error
		if ctrl.State() == orchestrator.StateRecording {
			err = ctrl.StopRecording()
		} else {
			err = ctrl.StartRecording()
		}
		if err != nil {
			logger.Warn("recording toggle rejected", "state", ctrl.State(), "err", err)
		}
	}
}

func levelMeter(ctx context.Context, ctrl *orchestrator.TurnController) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := ctrl.LastLevel()
			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC %-40s] RMS: %.5f %-10s", strings.Repeat("|", dots), level, ctrl.State())
		}
	}
}

// consoleSink prints turn progress to stdout.
type consoleSink struct{}

func (consoleSink) Send(_ context.Context, ev orchestrator.Event) error {
	switch ev.Type {
	case orchestrator.SpeechStarted:
		fmt.Printf("\r\033[K[USER] Speaking...\n")
	case orchestrator.SpeechStopped:
		fmt.Printf("\r\033[K[USER] Stopped\n")
	case orchestrator.StateChanged:
		if ev.Data == orchestrator.StateProcessing {
			fmt.Printf("\r\033[K[BOT] Thinking...\n")
		}
	case orchestrator.ResultReady:
		res := ev.Data.(orchestrator.PipelineResult)
		fmt.Printf("\r\033[K[TRANSCRIPT] %s\n", res.Transcript)
		fmt.Printf("\r\033[K[ANSWER] %s (%v)\n", res.Answer, res.Timings.Total().Round(time.Millisecond))
	case orchestrator.UtteranceTooShort:
		fmt.Printf("\r\033[K[USER] Too short, ignored (%v)\n", ev.Data)
	case orchestrator.ErrorEvent:
		fmt.Printf("\r\033[K[ERROR] %v\n", ev.Data)
	}
	return nil
}

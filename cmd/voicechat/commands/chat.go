package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lexiqai/realtime-voice/internal/audio"
	"github.com/lexiqai/realtime-voice/internal/capture"
	"github.com/lexiqai/realtime-voice/internal/config"
	"github.com/lexiqai/realtime-voice/internal/device"
	"github.com/lexiqai/realtime-voice/internal/negotiator"
	"github.com/lexiqai/realtime-voice/internal/observability"
	"github.com/lexiqai/realtime-voice/internal/realtime"
	"github.com/lexiqai/realtime-voice/internal/resilience"
	"github.com/lexiqai/realtime-voice/internal/turn"
	"github.com/lexiqai/realtime-voice/internal/voice"
)

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cmd, cfg)

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("realtime_url", cfg.RealtimeURL).
		Str("profile", cfg.Profile).
		Bool("token_endpoint", cfg.TokenEndpoint != "").
		Bool("barge_in", cfg.BargeIn).
		Str("log_level", cfg.LogLevel).
		Msg("Voice chat starting")

	neg, breaker, err := buildNegotiator(cfg, logger)
	if err != nil {
		return err
	}

	terminate, err := device.Init()
	if err != nil {
		return err
	}
	defer terminate()

	speaker, err := device.OpenSpeaker(audio.SampleRate, cfg.OutputFramesPerBuffer, cfg.PlaybackQueueSize, logger)
	if err != nil {
		return err
	}
	defer speaker.Close()

	engine := voice.New(voice.Config{
		RealtimeURL:      cfg.RealtimeURL,
		Model:            cfg.Model,
		FrameMs:          cfg.FrameMs,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		SendQueueSize:    cfg.SendQueueSize,
		CaptureSlots:     cfg.CaptureSlots,
		Turn: turn.Config{
			GraceMin:   cfg.GraceMin(),
			GraceMax:   cfg.GraceMax(),
			TailMargin: cfg.GraceTailMargin(),
			BargeIn:    cfg.BargeIn,
		},
	}, voice.Options{
		Negotiator: neg,
		OpenMicrophone: func(context.Context) (capture.Source, error) {
			return device.OpenMicrophone(0, logger)
		},
		Output:   speaker.Timeline(),
		Observer: observability.NewSessionMetrics(),
		Logger:   logger,
	})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsEnabled {
		checks := map[string]observability.HealthCheckFunc{"session": sessionCheck(engine)}
		if breaker != nil {
			checks["token_endpoint"] = breakerCheck(breaker)
		}
		server := startStatusServer(cfg.MetricsAddr, checks, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Status server forced to shutdown")
			}
		}()
	}

	sc := negotiator.SessionContext{AgentID: cfg.AgentID, ConversationID: cfg.ConversationID}
	if err := engine.Connect(ctx, sc); err != nil {
		return err
	}

	go readInput(ctx, os.Stdin, engine, cmd.OutOrStdout(), stop, logger)

	reconnect := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	err = converse(ctx, engine, newConsole(cmd.OutOrStdout()), func(ctx context.Context) error {
		return resilience.Reconnect(ctx, func(ctx context.Context) error {
			return engine.Connect(ctx, sc)
		}, reconnect, isTransportError, logger)
	}, logger)

	logger.Info().Msg("Voice chat exited")
	return err
}

// applyFlags lets command-line flags override the environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("agent") {
		cfg.AgentID = agentID
	}
	if flags.Changed("conversation") {
		cfg.ConversationID = conversationID
	}
	if flags.Changed("profile") {
		cfg.Profile = profileName
	}
	if flags.Changed("barge-in") {
		cfg.BargeIn = bargeIn
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

// buildNegotiator picks the token endpoint when one is configured and falls
// back to the static API key otherwise. Local voice, VAD and transcription
// settings win over negotiated values either way. The breaker guarding the
// token endpoint is returned for readiness reporting; it is nil for a static key.
func buildNegotiator(cfg *config.Config, logger zerolog.Logger) (negotiator.Negotiator, *resilience.CircuitBreaker, error) {
	profile, err := negotiator.LoadProfile(cfg.Profile)
	if err != nil {
		return nil, nil, err
	}

	var (
		neg     negotiator.Negotiator
		breaker *resilience.CircuitBreaker
	)
	if cfg.TokenEndpoint != "" {
		breaker = resilience.NewCircuitBreaker(
			"token_endpoint",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		).WithObserver(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		})

		neg = negotiator.NewHTTPNegotiator(negotiator.HTTPConfig{
			Endpoint:     cfg.TokenEndpoint,
			AuthToken:    cfg.AuthToken,
			ClientKey:    cfg.TokenClientKey,
			DefaultModel: cfg.Model,
			Profile:      profile,
			Breaker:      breaker,
			Retry: &resilience.RetryConfig{
				MaxAttempts:       cfg.RetryMaxAttempts,
				InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			},
			Logger: logger,
		})
	} else {
		agent := profile.Apply(negotiator.AgentConfig{})
		agent.Voice = negotiator.MapVoice(agent.Voice)
		neg = &negotiator.Static{Credentials: negotiator.Credentials{
			Token:      cfg.APIKey,
			Model:      cfg.Model,
			SampleRate: config.WireSampleRate,
			Agent:      agent,
		}}
	}

	return negotiator.WithOverrides(neg, negotiator.Overrides{
		Voice:              cfg.Voice,
		TranscriptionModel: cfg.TranscriptionModel,
		VAD: realtime.TurnDetection{
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
			SilenceDurationMs: cfg.VADSilenceDurationMs,
		},
	}), breaker, nil
}

func isTransportError(err error) bool {
	return voice.KindOf(err) == voice.KindTransport
}

// chatEngine is the part of the engine the conversation loop drives.
type chatEngine interface {
	Events() <-chan voice.Event
	SendFunctionResult(callID, output string) error
}

// converse renders events until ctx ends, the event stream closes, or the
// session ends for a reason reconnecting cannot fix. Transport failures are
// handed to reconnect.
func converse(ctx context.Context, engine chatEngine, con *console, reconnect func(context.Context) error, logger zerolog.Logger) error {
	events := engine.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			con.handle(ev)

			switch ev := ev.(type) {
			case voice.FunctionCall:
				answerFunctionCall(engine, ev, logger)
			case voice.Disconnected:
				if ev.Reason == nil {
					return nil
				}
				if !isTransportError(ev.Reason) {
					return ev.Reason
				}
				logger.Warn().Err(ev.Reason).Msg("Session lost, reconnecting")
				if err := reconnect(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	}
}

// answerFunctionCall replies to tool calls. This client executes no tools, so
// the model is told the tool is unavailable and continues the turn.
func answerFunctionCall(engine chatEngine, call voice.FunctionCall, logger zerolog.Logger) {
	output, _ := json.Marshal(map[string]string{
		"error": fmt.Sprintf("tool %q is not available in this client", call.Name),
	})
	if err := engine.SendFunctionResult(call.CallID, string(output)); err != nil {
		logger.Warn().Err(err).Str("call_id", call.CallID).Msg("Failed to answer function call")
	}
}

// inputEngine is the part of the engine stdin commands drive.
type inputEngine interface {
	SendText(text string) error
	Stats() voice.Stats
}

// readInput sends each stdin line as a text turn. It returns at EOF or when
// ctx ends; /quit calls quit.
func readInput(ctx context.Context, in io.Reader, engine inputEngine, out io.Writer, quit func(), logger zerolog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			quit()
			return
		case "/stats":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(engine.Stats()); err != nil {
				logger.Warn().Err(err).Msg("Failed to print stats")
			}
			continue
		}

		if err := engine.SendText(line); err != nil {
			if errors.Is(err, voice.ErrNotConnected) {
				fmt.Fprintln(out, "! not connected")
				continue
			}
			logger.Warn().Err(err).Msg("Failed to send text")
		}
	}
}

// sessionCheck is ready while a session is open.
func sessionCheck(engine interface{ State() voice.State }) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if state := engine.State(); state != voice.StateOpen {
			return false, fmt.Errorf("session %s", state)
		}
		return true, nil
	}
}

// breakerCheck is not ready while the token endpoint circuit is open, since
// no session can be negotiated until it half-opens.
func breakerCheck(cb *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		state, requests, failures, rate := cb.GetStats()
		if state == resilience.StateOpen {
			return false, fmt.Errorf("circuit %s: %d of %d requests failed (%.1f%%)", state, failures, requests, rate)
		}
		return true, nil
	}
}

// startStatusServer serves metrics, liveness and readiness. Ready means every
// check passes.
func startStatusServer(addr string, checks map[string]observability.HealthCheckFunc, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Status server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Status server failed")
		}
	}()
	return server
}

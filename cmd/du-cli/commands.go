package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/index"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/mqtt"
	"github.com/opencui/structi-sub001/internal/nlu"
	"github.com/opencui/structi-sub001/internal/orchestrator"
	"github.com/opencui/structi-sub001/internal/recognizer"
)

type options struct {
	agentDir     string
	logLevel     string
	intentURL    string
	slotURL      string
	ducklingURL  string
	modelTimeout time.Duration
	brokerURL    string
	topicPrefix  string
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "du-cli",
		Short:         "Inspect dialog understanding for an agent bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.agentDir, "agents", getenvDefault("DU_AGENT_DIR", "./agents"), "Agent bundle directory")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.intentURL, "intent-url", os.Getenv("INTENT_MODEL_URL"), "Intent model base URL")
	cmd.PersistentFlags().StringVar(&opts.slotURL, "slot-url", os.Getenv("SLOT_MODEL_URL"), "Slot model base URL")
	cmd.PersistentFlags().StringVar(&opts.ducklingURL, "duckling-url", os.Getenv("DUCKLING_URL"), "Duckling normalizer base URL")
	cmd.PersistentFlags().DurationVar(&opts.modelTimeout, "model-timeout", 2*time.Second, "Timeout of one model call")
	cmd.PersistentFlags().StringVar(&opts.brokerURL, "mqtt", "", "MQTT broker URL; sends requests to a running server instead of understanding locally")
	cmd.PersistentFlags().StringVar(&opts.topicPrefix, "topic-prefix", getenvDefault("MQTT_TOPIC_PREFIX", "du"), "MQTT topic prefix")

	cmd.AddCommand(
		understandCmd(opts),
		recognizeCmd(opts),
		indexCmd(opts),
		reloadCmd(opts),
	)
	return cmd
}

func understandCmd(opts *options) *cobra.Command {
	var (
		expectations string
		session      string
		trace        bool
	)
	cmd := &cobra.Command{
		Use:   "understand <agent> <utterance...>",
		Short: "Run one turn and print the frame events",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req := domain.UnderstandRequest{
				Agent:     args[0],
				SessionID: session,
				Utterance: strings.Join(args[1:], " "),
			}
			if expectations != "" {
				exps, err := readExpectations(expectations)
				if err != nil {
					return err
				}
				req.Expectations = exps
			}

			if opts.brokerURL != "" {
				hub := mqtt.NewHub(mqtt.HubConfig{
					BrokerURL:      opts.brokerURL,
					ClientID:       "du-cli-" + uuid.NewString()[:8],
					TopicPrefix:    opts.topicPrefix,
					RequestTimeout: 10 * time.Second,
				}, nil, nil, opts.logger())
				hubCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if err := hub.Start(hubCtx); err != nil {
					return fmt.Errorf("connect mqtt: %w", err)
				}
				resp, err := hub.Understand(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}

			registry, svc := opts.local()
			if !trace {
				resp, err := svc.Understand(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			}
			rt, err := registry.Runtime(ctx, req.Agent)
			if err != nil {
				return err
			}
			t, err := svc.Analyze(ctx, rt, req.Utterance, req.Expectations)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVarP(&expectations, "expect", "e", "", "Dialog expectations as JSON, or @file")
	cmd.Flags().StringVar(&session, "session", "", "Session id")
	cmd.Flags().BoolVar(&trace, "trace", false, "Print the full turn trace")
	return cmd
}

func recognizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <agent> <utterance...>",
		Short: "Print the entity spans recognized in an utterance",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, _ := opts.local()
			rt, err := registry.Runtime(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			utterance := strings.Join(args[1:], " ")
			spans, err := rt.Recognizers.Recognize(cmd.Context(), recognizer.Input{
				Lang:   rt.Lang,
				Text:   utterance,
				Tokens: rt.Analyzer.Tokenize(utterance),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), spans)
		},
	}
}

func indexCmd(opts *options) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "index <agent>",
		Short: "List compiled exemplars, or search them with --query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, _ := opts.local()
			rt, err := registry.Runtime(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if query == "" {
				type row struct {
					ID       int    `json:"id"`
					Owner    string `json:"owner"`
					Template string `json:"template"`
					Typed    string `json:"typed"`
					Context  string `json:"context,omitempty"`
				}
				rows := make([]row, 0, rt.Index.Len())
				for _, e := range rt.Index.Expressions() {
					rows = append(rows, row{ID: e.ID, Owner: e.OwnerFrame, Template: e.Template, Typed: e.TypedExpression, Context: e.ContextFrame})
				}
				return printJSON(cmd.OutOrStdout(), rows)
			}

			tokens := rt.Analyzer.Tokenize(query)
			spans, err := rt.Recognizers.Recognize(cmd.Context(), recognizer.Input{Lang: rt.Lang, Text: query, Tokens: tokens})
			if err != nil {
				return err
			}
			q := index.Query{Utterance: query, Tokens: tokens, Spans: spans}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"terms":      rt.Index.Terms(q),
				"candidates": rt.Index.Search(q),
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Utterance to retrieve exemplars for")
	return cmd
}

func reloadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <agent>",
		Short: "Ask running servers to reload an agent over MQTT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.brokerURL == "" {
				return fmt.Errorf("--mqtt is required")
			}
			hub := mqtt.NewHub(mqtt.HubConfig{
				BrokerURL:   opts.brokerURL,
				ClientID:    "du-cli-" + uuid.NewString()[:8],
				TopicPrefix: opts.topicPrefix,
			}, nil, nil, opts.logger())
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := hub.Start(ctx); err != nil {
				return fmt.Errorf("connect mqtt: %w", err)
			}
			if err := hub.NotifyReload(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "reload requested for %s\n", args[0])
			return err
		},
	}
}

// local builds an in-process registry and engine over the bundle directory.
func (o *options) local() (*agents.Registry, *orchestrator.Service) {
	logger := o.logger()

	var normalizer recognizer.Normalizer
	if o.ducklingURL != "" {
		normalizer = recognizer.NewDucklingClient(o.ducklingURL, o.modelTimeout)
	}
	var (
		intent nlu.IntentModel
		slot   nlu.SlotModel
	)
	if c := nlu.NewIntentClient(o.intentURL, o.modelTimeout, nil); c.Enabled() {
		intent = c
	}
	if c := nlu.NewSlotClient(o.slotURL, o.modelTimeout, nil); c.Enabled() {
		slot = c
	}

	registry := agents.NewRegistry(meta.NewDirProvider(o.agentDir), normalizer, 0, nil, logger)
	svc := orchestrator.New(orchestrator.Config{SlotTimeout: o.modelTimeout}, registry, intent, slot, nil, nil, nil, logger)
	return registry, svc
}

func (o *options) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func readExpectations(arg string) (domain.DialogExpectations, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var exps domain.DialogExpectations
	if err := json.Unmarshal(raw, &exps); err != nil {
		return nil, fmt.Errorf("parse expectations: %w", err)
	}
	return exps, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenvDefault(key, val string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return val
}

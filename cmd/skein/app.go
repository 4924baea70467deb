package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/skeinlabs/skein/config"
	"github.com/skeinlabs/skein/features/mcp"
	"github.com/skeinlabs/skein/features/model/anthropic"
	"github.com/skeinlabs/skein/features/model/bedrock"
	"github.com/skeinlabs/skein/features/model/middleware"
	"github.com/skeinlabs/skein/features/model/openai"
	recordmongo "github.com/skeinlabs/skein/features/record/mongo"
	clientsrecordmongo "github.com/skeinlabs/skein/features/record/mongo/clients/mongo"
	pulsesink "github.com/skeinlabs/skein/features/stream/pulse"
	clientspulse "github.com/skeinlabs/skein/features/stream/pulse/clients/pulse"
	"github.com/skeinlabs/skein/features/tools/fs"
	"github.com/skeinlabs/skein/features/tools/shell"
	"github.com/skeinlabs/skein/features/tools/task"
	"github.com/skeinlabs/skein/runtime/model"
	"github.com/skeinlabs/skein/runtime/pool"
	"github.com/skeinlabs/skein/runtime/record"
	"github.com/skeinlabs/skein/runtime/session"
	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/tool"
	"github.com/skeinlabs/skein/runtime/turn"
	"github.com/skeinlabs/skein/runtime/wire"
	"github.com/skeinlabs/skein/transport"
	"github.com/skeinlabs/skein/transport/acp"
	"github.com/skeinlabs/skein/transport/rawstream"
	"github.com/skeinlabs/skein/transport/term"
)

const defaultSystemPrompt = `You are skein, a coding agent operating inside the user's working directory.
Use the available tools to read, search, and modify files and to run shell
commands. Prefer small verifiable steps: inspect before you edit, and report
what you changed. Ask through the task tool when a subproblem deserves a
focused investigation. Never invent file contents you have not read.`

// engine adapts the turn runner and its collaborators to the narrow surface
// the transports drive.
type engine struct {
	runner *turn.Runner
	broker *tool.Broker
	sess   *session.Session
}

var (
	_ transport.Engine   = (*engine)(nil)
	_ transport.Rewinder = (*engine)(nil)
)

func (e *engine) SessionID() string { return e.sess.ID() }

func (e *engine) Prompt(ctx context.Context, input string) (turn.Outcome, error) {
	return e.runner.RunTurn(ctx, input)
}

func (e *engine) Resolve(ctx context.Context, requestID string, d wire.Decision) bool {
	return e.broker.Resolve(ctx, requestID, d)
}

func (e *engine) Interrupt(reason string) { e.runner.Interrupt(reason) }

func (e *engine) Rewind(ctx context.Context, turnID, reason string) error {
	return e.sess.Append(ctx, session.NewRewindEntry(turnID, reason))
}

func runSession(ctx context.Context, cfg *config.Config, workDir string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tel := telemetry.Clue()

	store, err := session.NewStore(cfg.SessionRoot)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, store, workDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			log.Printf(ctx, "close session: %v", err)
		}
	}()
	if err := sess.SetModel(cfg.Model); err != nil {
		log.Printf(ctx, "record session model: %v", err)
	}
	log.Printf(ctx, "session %s in %s (%s/%s)", sess.ID(), workDir, cfg.Provider, cfg.Model)

	rdb := newRedisClient(cfg)
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf(ctx, "close redis: %v", err)
			}
		}()
	}

	client, err := newModelClient(ctx, cfg)
	if err != nil {
		return err
	}
	client = model.Retry(client, model.DefaultRetryPolicy())
	if cfg.RateLimitTPM > 0 {
		var budget *rmap.Map
		if rdb != nil {
			budget, err = rmap.Join(ctx, "skein:ratelimit", rdb)
			if err != nil {
				return fmt.Errorf("join rate limit map: %w", err)
			}
		}
		tpm := float64(cfg.RateLimitTPM)
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, cfg.Provider, tpm, tpm)
		client = limiter.Middleware()(client)
	}

	adapter, err := newAdapter(cfg, workDir, tel)
	if err != nil {
		return err
	}

	recStore, err := record.NewFileStore(store.DirFor(workDir))
	if err != nil {
		return err
	}
	secondaries := []wire.Sink{adapter}
	cleanup, extra, err := broadcastSinks(ctx, cfg, rdb, tel)
	if err != nil {
		return err
	}
	defer cleanup(context.WithoutCancel(ctx))
	secondaries = append(secondaries, extra...)
	sink := transport.NewFanout(record.NewSink(recStore), tel, secondaries...)

	broker := tool.NewBroker(sess.ID(), sink, tool.BrokerOptions{Yolo: cfg.Yolo})

	registry := tool.NewRegistry()
	for _, t := range fs.New(workDir) {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	if err := registry.Register(shell.New(workDir, shell.Options{})); err != nil {
		return err
	}
	if err := registry.Register(task.New(task.Options{MaxSteps: cfg.MaxSteps})); err != nil {
		return err
	}

	manager, err := newMCPManager(cfg, registry, sink, sess.ID(), tel)
	if err != nil {
		return err
	}
	if manager != nil {
		manager.ConnectAll(ctx)
		defer func() {
			if err := manager.Close(context.WithoutCancel(ctx)); err != nil {
				log.Printf(ctx, "close mcp manager: %v", err)
			}
		}()
	}

	counter := session.NewHeuristicCounter()
	var compactor *session.Compactor
	if !cfg.Compaction.Disabled {
		compactor, err = session.NewCompactor(client, counter, session.CompactionOptions{
			ContextWindow:    cfg.ContextWindow,
			Threshold:        cfg.Compaction.Threshold,
			PreserveTurns:    cfg.Compaction.PreserveTurns,
			Model:            cfg.Compaction.Model,
			MaxSummaryTokens: cfg.Compaction.MaxSummaryTokens,
		})
		if err != nil {
			return err
		}
	}

	workers := pool.New(cfg.ToolConcurrency)
	defer workers.Close()

	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	runner, err := turn.New(turn.Options{
		Log:           sess,
		Client:        client,
		Registry:      registry,
		Broker:        broker,
		Pool:          workers,
		Sink:          sink,
		Counter:       counter,
		Compactor:     compactor,
		Telemetry:     tel,
		SessionID:     sess.ID(),
		Model:         cfg.Model,
		System:        system,
		MaxSteps:      cfg.MaxSteps,
		MaxTokens:     cfg.MaxTokens,
		ContextWindow: cfg.ContextWindow,
	})
	if err != nil {
		return err
	}

	eng := &engine{runner: runner, broker: broker, sess: sess}
	watchInterrupts(ctx, eng.Interrupt, cancel)

	err = adapter.Run(ctx, eng)
	if closeErr := sink.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openSession(ctx context.Context, store *session.Store, workDir string) (*session.Session, error) {
	switch {
	case flagSession != "":
		return store.Load(ctx, workDir, flagSession)
	case flagResume:
		id, err := store.Latest(workDir)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		return store.Load(ctx, workDir, id)
	default:
		return store.Create(ctx, workDir, uuid.NewString())
	}
}

func newModelClient(ctx context.Context, cfg *config.Config) (model.Client, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewFromAPIKey(cfg.APIKey(), anthropic.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
		})
	case config.ProviderOpenAI:
		return openai.NewFromAPIKey(cfg.APIKey(), openai.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
		})
	case config.ProviderBedrock:
		awscfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return bedrock.NewFromConfig(awscfg, bedrock.Options{
			DefaultModel: cfg.Model,
			MaxTokens:    cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newAdapter(cfg *config.Config, workDir string, tel telemetry.Set) (transport.Adapter, error) {
	switch cfg.Transport {
	case config.TransportTerm:
		return term.New(term.Options{}), nil
	case config.TransportACP:
		return acp.New(acp.Options{WorkDir: workDir}), nil
	case config.TransportStream:
		return rawstream.New(rawstream.Options{ListenAddr: cfg.ListenAddr, Telemetry: tel}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newMCPManager(cfg *config.Config, registry *tool.Registry, sink wire.Sink, sessionID string, tel telemetry.Set) (*mcp.Manager, error) {
	if len(cfg.MCPServers) == 0 {
		return nil, nil
	}
	servers := make([]mcp.ServerConfig, 0, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		servers = append(servers, mcp.ServerConfig{
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			URL:         s.URL,
			Headers:     s.Headers,
			Auth:        s.Auth,
			InitTimeout: s.InitTimeout.Std(),
			ToolTimeout: s.ToolTimeout.Std(),
		})
	}
	tokens := mcp.NewFileTokenStore(filepath.Join(filepath.Dir(cfg.SessionRoot), "mcp-tokens"))
	return mcp.NewManager(mcp.Options{
		Servers:  servers,
		Registry: registry,
		Tokens:   tokens,
		OnUpdate: func(u mcp.Update) {
			msg := wire.NewConnectionUpdate(sessionID, wire.ConnectionUpdatePayload{
				Server: u.Server,
				State:  string(u.State),
				Tools:  u.Tools,
				Detail: u.Detail,
			})
			if err := sink.Send(context.Background(), msg); err != nil {
				tel.Logger.Warn(context.Background(), "publish connection update", "server", u.Server, "err", err)
			}
		},
		ClientName:    "skein",
		ClientVersion: "0.1.0",
		Telemetry:     tel,
	})
}

// newRedisClient connects to Redis when Pulse is configured. Both the
// broadcast stream and the shared rate-limit budget ride the same client.
func newRedisClient(cfg *config.Config) *redis.Client {
	if cfg.Pulse.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Pulse.RedisAddr,
		Password: os.Getenv(cfg.Pulse.RedisPasswordEnv),
	})
}

// broadcastSinks builds the optional non-interactive wire consumers: the
// Pulse stream for live followers and the Mongo archive for retention.
func broadcastSinks(ctx context.Context, cfg *config.Config, rdb *redis.Client, tel telemetry.Set) (func(context.Context), []wire.Sink, error) {
	var (
		sinks   []wire.Sink
		closers []func(context.Context)
	)
	cleanup := func(ctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](ctx)
		}
	}

	if rdb != nil {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, nil, err
		}
		ps, err := pulsesink.NewSink(pulsesink.Options{Client: pc})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ps)
	}

	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			cleanup(ctx)
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closers = append(closers, func(ctx context.Context) {
			if err := mc.Disconnect(ctx); err != nil {
				tel.Logger.Warn(ctx, "disconnect mongo", "err", err)
			}
		})
		rc, err := clientsrecordmongo.New(clientsrecordmongo.Options{
			Client:   mc,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			cleanup(ctx)
			return nil, nil, err
		}
		archive, err := recordmongo.NewStore(rc)
		if err != nil {
			cleanup(ctx)
			return nil, nil, err
		}
		sinks = append(sinks, record.NewSink(archive))
	}

	return cleanup, sinks, nil
}

// followSession tails a live session's wire stream from the Pulse broadcast
// and prints each envelope as one JSON line.
func followSession(ctx context.Context, cfg *config.Config, sessionID string) error {
	rdb := newRedisClient(cfg)
	if rdb == nil {
		return errors.New("follow requires pulse.redis_addr in the config")
	}
	defer rdb.Close() //nolint:errcheck
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	sub, err := pulsesink.NewSubscriber(pulsesink.SubscriberOptions{Client: pc})
	if err != nil {
		return err
	}
	msgs, errs, cancel, err := sub.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer cancel()

	out := os.Stdout
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Printf(ctx, "follow: %v", err)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			line, err := wire.EncodeLine(msg)
			if err != nil {
				log.Printf(ctx, "encode envelope: %v", err)
				continue
			}
			if _, err := out.Write(line); err != nil {
				return err
			}
		}
	}
}

func listSessions(ctx context.Context, cfg *config.Config, workDir string) error {
	store, err := session.NewStore(cfg.SessionRoot)
	if err != nil {
		return err
	}
	sums, err := store.ListSessions(ctx, workDir)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Printf("no sessions for %s\n", workDir)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTURNS\tMODEL\tUPDATED\tTITLE")
	for _, s := range sums {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.ID, s.Turns, s.Model, s.UpdatedAt.Format(time.RFC3339), s.Title)
	}
	return w.Flush()
}

func showMCP(ctx context.Context, cfg *config.Config) error {
	if len(cfg.MCPServers) == 0 {
		fmt.Println("no MCP servers configured")
		return nil
	}
	tel := telemetry.Clue()
	registry := tool.NewRegistry()
	manager, err := newMCPManager(cfg, registry, discardSink{}, "mcp-check", tel)
	if err != nil {
		return err
	}
	manager.ConnectAll(ctx)
	defer manager.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	deadline := time.Now().Add(30 * time.Second)
	var statuses []mcp.Status
	for {
		statuses = manager.Snapshot()
		if !anyPending(statuses) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tTOOLS\tDETAIL")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.State, strings.Join(s.Tools, ","), s.Detail)
	}
	return w.Flush()
}

func anyPending(statuses []mcp.Status) bool {
	for _, s := range statuses {
		if s.State == mcp.StateConnecting || s.State == mcp.StateAuthorizing {
			return true
		}
	}
	return false
}

// discardSink drops every message. The mcp subcommand has no live surface.
type discardSink struct{}

func (discardSink) Send(context.Context, wire.Message) error { return nil }
func (discardSink) Close(context.Context) error              { return nil }

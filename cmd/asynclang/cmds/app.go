package cmds

import (
	"context"

	"github.com/go-go-golems/asynclang/pkg/agent"
	"github.com/go-go-golems/asynclang/pkg/agent/openai"
	"github.com/go-go-golems/asynclang/pkg/config"
	"github.com/go-go-golems/asynclang/pkg/events"
	"github.com/go-go-golems/asynclang/pkg/store"
	"github.com/go-go-golems/asynclang/pkg/threads"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// App holds the components shared by the commands.
type App struct {
	Settings *config.Settings
	Store    store.Store
	Service  *threads.Service
	Router   *events.EventRouter
	Registry *prometheus.Registry
}

// OpenStore opens the configured store backend.
func OpenStore(s *config.Settings) (store.Store, error) {
	switch s.Store {
	case config.StoreMemory:
		return store.NewInMemoryStore(), nil
	case config.StoreSQLite:
		dsn, err := store.SQLiteDSNForFile(s.StorePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(dsn)
	case config.StorePebble:
		return store.NewPebbleStore(s.StorePath)
	default:
		return nil, errors.Errorf("unknown store %q", s.Store)
	}
}

// NewAgent creates the configured agent.
func NewAgent(s *config.Settings) (agent.Agent, error) {
	switch s.Agent {
	case config.AgentEcho:
		return agent.NewEchoAgent("", 0), nil
	case config.AgentOpenAI:
		return openai.NewAgent(openai.Settings{
			APIKey:  s.OpenAIAPIKey,
			BaseURL: s.OpenAIBaseURL,
			Model:   s.OpenAIModel,
		})
	default:
		return nil, errors.Errorf("unknown agent %q", s.Agent)
	}
}

// NewApp opens the store and builds the thread service. With withEvents the
// service publishes task events on an in-process router that the caller runs.
func NewApp(s *config.Settings, withEvents bool) (*App, error) {
	st, err := OpenStore(s)
	if err != nil {
		return nil, errors.Wrap(err, "could not open store")
	}
	a, err := NewAgent(s)
	if err != nil {
		_ = st.Close()
		return nil, errors.Wrap(err, "could not create agent")
	}

	app := &App{
		Settings: s,
		Store:    st,
		Registry: prometheus.NewRegistry(),
	}
	options := []threads.Option{
		threads.WithMetrics(threads.NewMetrics(app.Registry)),
		threads.WithSystemPrompt(s.SystemPrompt),
		threads.WithAgentTimeout(s.AgentTimeout),
		threads.WithQueueDepth(s.QueueDepth),
	}
	if withEvents {
		router, err := events.NewEventRouter(events.WithVerbose(s.Log.Verbose))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		router.AddHandler("log-task-events", events.TopicTasks, router.LogTaskEvents)
		app.Router = router
		options = append(options, threads.WithEventSink(router.Sink(events.TopicTasks)))
	}
	app.Service = threads.NewService(st, a, options...)

	log.Debug().
		Str("store", s.Store).
		Str("store_path", s.StorePath).
		Str("agent", s.Agent).
		Msg("initialized app")
	return app, nil
}

// Close waits for running tasks, then closes the router and the store.
func (a *App) Close(ctx context.Context) error {
	err := a.Service.Close(ctx)
	if a.Router != nil {
		if rerr := a.Router.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if serr := a.Store.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

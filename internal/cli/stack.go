package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/younfor/chat-work/internal/config"
	"github.com/younfor/chat-work/internal/dispatch"
	"github.com/younfor/chat-work/internal/engine"
	"github.com/younfor/chat-work/internal/executor"
	"github.com/younfor/chat-work/internal/hooks"
	"github.com/younfor/chat-work/internal/logging"
	"github.com/younfor/chat-work/internal/sandbox"
	"github.com/younfor/chat-work/internal/session"
	"github.com/younfor/chat-work/internal/store"
	"github.com/younfor/chat-work/internal/streamer"
)

// stack bundles the bridge components every command needs: sessions,
// engines, the sandbox pair and the dispatcher on top of them.
type stack struct {
	sessions   session.Store
	engines    *engine.Registry
	policy     *sandbox.Policy
	exec       *executor.Executor
	hooks      *hooks.Manager
	dispatcher *dispatch.Dispatcher

	closers []func()
}

// close releases everything the stack opened, most recently opened
// first.
func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStack(cfg config.Config) (*stack, error) {
	st := &stack{}

	if cfg.Session.Store == "sqlite" {
		if err := paths.EnsureDirs(); err != nil {
			return nil, err
		}
		dbPath := filepath.Join(paths.Data, "chatwork.db")
		db, err := store.Open(dbPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		st.closers = append(st.closers, func() { db.Close() })
		st.sessions = store.NewSessionStore(db, cfg.Session.MaxHistory, cfg.Session.AutoExecute)
		log.Info().Str("path", dbPath).Msg("using sqlite session store")
	} else {
		st.sessions = session.NewMemoryStore(cfg.Session.MaxHistory, cfg.Session.AutoExecute)
	}

	st.engines = engine.NewRegistryFromConfig(cfg.Engine, log)
	st.policy = sandbox.New(cfg.Sandbox, log)
	st.exec = executor.New(st.policy, cfg.Sandbox, log)
	st.hooks = hooks.NewManager(log)
	registerAuditHooks(st.hooks, log)

	str := streamer.New(cfg.Stream, log)
	st.dispatcher = dispatch.New(cfg.Approval, st.sessions, st.engines, st.policy, st.exec, str, st.hooks, log)
	st.closers = append(st.closers, st.dispatcher.Close)

	return st, nil
}

// registerAuditHooks writes an audit line for every action the engine
// proposes and everything that happens to it afterwards.
func registerAuditHooks(hm *hooks.Manager, log *logging.Logger) {
	audit := log.Sub("audit")

	hm.On(hooks.EventActionProposed, "audit", func(_ context.Context, p hooks.Payload) error {
		audit.Info().Fields(p.Data).Msg("action proposed")
		return nil
	})
	hm.On(hooks.EventActionEvaluated, "audit", func(_ context.Context, p hooks.Payload) error {
		audit.Info().Fields(p.Data).Msg("action evaluated")
		return nil
	})
	hm.On(hooks.EventActionExecuted, "audit", func(_ context.Context, p hooks.Payload) error {
		audit.Info().Fields(p.Data).Msg("action executed")
		return nil
	})
	hm.On(hooks.EventSessionCleared, "audit", func(_ context.Context, p hooks.Payload) error {
		audit.Info().Fields(p.Data).Msg("session cleared")
		return nil
	})
}

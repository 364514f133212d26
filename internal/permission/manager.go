// Package permission answers grant checks live from a decision store and
// issues asynchronous permission requests whose outcome is delivered once,
// keyed by the caller's request code.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/speech-bridge/internal/config"
)

// RecordAudio is the permission speech capture depends on.
const RecordAudio = "audio.record"

// ResultListener receives the outcome of Manager.Request. It reports whether
// it consumed the result.
type ResultListener interface {
	OnRequestPermissionsResult(requestCode int, permissions []string, grants []bool) bool
}

type Manager struct {
	store    *Store
	prompter Prompter
	timeout  time.Duration
	log      *slog.Logger

	lmu      sync.RWMutex
	listener ResultListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(parent context.Context, cfg config.PermissionConfig, store *Store, prompter Prompter, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	timeout := time.Duration(cfg.PromptTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		store:    store,
		prompter: prompter,
		timeout:  timeout,
		log:      log.With(slog.String("component", "permissions")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) SetResultListener(l ResultListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listener = l
}

// Granted reports the current grant state of permission.
func (m *Manager) Granted(permission string) bool {
	g, err := m.store.Get(m.ctx, permission)
	if err != nil {
		m.log.Warn("permission lookup failed", slog.String("permission", permission), slogError(err))
		return false
	}
	return g.Granted
}

// ShouldShowRationale is true once the user has declined permission without
// asking never to be prompted again.
func (m *Manager) ShouldShowRationale(permission string) bool {
	g, err := m.store.Get(m.ctx, permission)
	if err != nil {
		m.log.Warn("permission lookup failed", slog.String("permission", permission), slogError(err))
		return false
	}
	return !g.Granted && g.Denials > 0 && !g.NeverAskAgain
}

// Request prompts for permissions in the background. The listener is called
// exactly once with the outcome; a dismissed or failed prompt yields empty
// grants.
func (m *Manager) Request(requestCode int, permissions []string) {
	perms := append([]string(nil), permissions...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
		defer cancel()

		grants := []bool{}
		decision, err := m.prompter.Prompt(ctx, requestCode, perms)
		if err != nil {
			m.log.Warn("permission prompt failed", slog.Int("request_code", requestCode), slogError(err))
		} else {
			for i, perm := range perms {
				if i >= len(decision.Granted) {
					break
				}
				if _, err := m.store.Record(m.ctx, perm, decision.Granted[i], decision.NeverAskAgain); err != nil {
					m.log.Warn("failed to record permission decision", slog.String("permission", perm), slogError(err))
				}
				grants = append(grants, decision.Granted[i])
			}
		}
		if m.ctx.Err() != nil {
			return
		}

		m.lmu.RLock()
		l := m.listener
		m.lmu.RUnlock()
		if l == nil {
			return
		}
		if !l.OnRequestPermissionsResult(requestCode, perms, grants) {
			m.log.Debug("permission result not consumed", slog.Int("request_code", requestCode))
		}
	}()
}

func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Poster schedules work on a serialized executor.
type Poster interface {
	Post(fn func()) error
}

// PostTo returns a ResultListener that delivers results to l through p. It
// reports whether the result could be posted, not what l returned.
func PostTo(p Poster, l ResultListener) ResultListener {
	return postingListener{p: p, l: l}
}

type postingListener struct {
	p Poster
	l ResultListener
}

func (pl postingListener) OnRequestPermissionsResult(requestCode int, permissions []string, grants []bool) bool {
	err := pl.p.Post(func() { pl.l.OnRequestPermissionsResult(requestCode, permissions, grants) })
	return err == nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// app.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emberchat/ember/internal/auth"
	"github.com/emberchat/ember/internal/avatar"
	"github.com/emberchat/ember/internal/call"
	"github.com/emberchat/ember/internal/chat"
	"github.com/emberchat/ember/internal/config"
	"github.com/emberchat/ember/internal/friends"
	"github.com/emberchat/ember/internal/group"
	"github.com/emberchat/ember/internal/location"
	"github.com/emberchat/ember/internal/memory"
	"github.com/emberchat/ember/internal/snap"
	"github.com/emberchat/ember/internal/store"
	"github.com/emberchat/ember/internal/story"
	"github.com/emberchat/ember/internal/streak"
)

// App wires the document store and every feature service for one signed-in
// user. It owns their lifecycles: Start builds everything, Stop tears it
// down in reverse.
type App struct {
	cfg      config.Config
	identity auth.Provider
	self     auth.Identity

	Store     store.Store
	Streaks   *streak.Service
	Snaps     *snap.Service
	Chat      *chat.Service
	Groups    *group.Service
	Stories   *story.Service
	Friends   *friends.Service
	Locations *location.Service
	Memories  *memory.Service
	Calls     *call.Manager

	Avatars     *avatar.Store
	AvatarCache *avatar.Cache

	cfgWatcher *config.Watcher
}

// NewApp validates the config and prepares an app; nothing runs until Start.
// The config file is this client's identity provider.
func NewApp(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	provider, err := auth.NewStatic(auth.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Username:    cfg.Identity.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return &App{cfg: cfg, identity: provider}, nil
}

// Start opens the store and brings up all services.
func (a *App) Start(ctx context.Context, cfgPath string) error {
	self, ok := a.identity.Current()
	if !ok {
		return fmt.Errorf("no signed-in identity")
	}
	a.self = self

	st, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.Store = st

	a.Streaks = streak.NewService(st)
	a.Snaps = snap.NewService(st, a.Streaks)
	a.Chat = chat.NewService(st)
	a.Groups = group.NewService(st)
	a.Stories = story.NewService(st)
	a.Friends = friends.NewService(st)
	a.Locations = location.NewService(st)
	a.Memories = memory.NewService(st)

	a.Avatars = avatar.NewStore(a.cfg.Paths.DataDir)
	a.AvatarCache = avatar.NewCache(a.cfg.Paths.DataDir)
	// Publish the avatar hash so friends can spot a stale cached copy.
	if hash := a.Avatars.Hash(); hash != "" {
		if err := st.Set(ctx, friends.UsersCollection, a.self.UserID, store.Fields{"avatarHash": hash}); err != nil {
			log.Printf("APP: avatar hash publish failed: %v", err)
		}
	}

	transport := call.NewPionTransport(a.cfg.Call.ICEServers)
	a.Calls = call.NewManager(ctx, st, transport, a.self)
	a.Calls.SetAnswerTimeout(a.AnswerTimeout())
	a.Calls.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("APP: incoming %s call from %s", kindOf(ic.Video), ic.CallerName)
	})

	if cfgPath != "" {
		w, err := config.NewWatcher(cfgPath, a.cfg, a.applyConfig)
		if err != nil {
			// Hot reload is a convenience; the app runs fine without it.
			log.Printf("APP: config watch disabled: %v", err)
		} else {
			a.cfgWatcher = w
		}
	}

	log.Printf("APP: started as %s (%s)", a.self.DisplayName, a.self.UserID)
	return nil
}

// applyConfig takes a hot-reloaded config. Only settings that can change
// mid-session are picked up; store and identity stay as started.
func (a *App) applyConfig(cfg config.Config) {
	a.cfg.Call = cfg.Call
	if a.Calls != nil {
		a.Calls.SetAnswerTimeout(a.AnswerTimeout())
	}
	log.Printf("APP: call settings refreshed (video_disabled=%v)", cfg.Call.VideoDisabled)
}

// Stop shuts everything down. Safe to call once, after Start succeeded.
func (a *App) Stop() {
	if a.cfgWatcher != nil {
		a.cfgWatcher.Close()
	}
	if a.Calls != nil {
		a.Calls.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("APP: store close: %v", err)
		}
	}
	log.Printf("APP: stopped")
}

// AnswerTimeout returns the configured ring timeout.
func (a *App) AnswerTimeout() time.Duration {
	if a.cfg.Call.AnswerTimeoutSec <= 0 {
		return call.AnswerTimeout
	}
	return time.Duration(a.cfg.Call.AnswerTimeoutSec) * time.Second
}

// openStore picks the backend: remote websocket store when a URL is
// configured, the local SQLite store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Store.RemoteURL != "" {
		st, err := store.DialRemote(ctx, cfg.Store.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("connect to remote store: %w", err)
		}
		return st, nil
	}
	st, err := store.OpenLocal(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return st, nil
}

func kindOf(video bool) string {
	if video {
		return "video"
	}
	return "voice"
}

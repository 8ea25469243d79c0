package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/emberchat/ember/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

type Paths struct {
	// DataDir holds the local document database and media cache.
	DataDir string `json:"data_dir"`
}

type Store struct {
	// RemoteURL is the websocket endpoint of the shared document store.
	// Empty means local-only mode: everything lives in the SQLite cache.
	RemoteURL string `json:"remote_url"`
}

type Call struct {
	// ICEServers are STUN/TURN URLs. Empty uses the built-in STUN set.
	ICEServers []string `json:"ice_servers"`

	// AnswerTimeoutSec is how long an outgoing call rings before it is
	// abandoned. 0 = default (30).
	AnswerTimeoutSec int `json:"answer_timeout_seconds"`

	// VideoDisabled forces audio-only calls (e.g., no camera on this box).
	VideoDisabled bool `json:"video_disabled"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: "data",
		},
		Call: Call{
			AnswerTimeoutSec: 30,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Store
	if ru := strings.TrimSpace(c.Store.RemoteURL); ru != "" {
		u, err := url.Parse(ru)
		if err != nil {
			return fmt.Errorf("store.remote_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("store.remote_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("store.remote_url is missing a host")
		}
	}

	// Call
	if c.Call.AnswerTimeoutSec < 0 {
		return errors.New("call.answer_timeout_seconds must be >= 0")
	}
	for _, s := range c.Call.ICEServers {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") &&
			!strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn url", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := util.ReadJSONFile(path, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for the user to fill in. Returns (cfg, createdNew, err). A freshly
// created file fails validation (no identity yet), so the new config is
// returned unvalidated together with createdNew=true.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// Equal reports whether two configs marshal identically. Used by the
// watcher to suppress no-op reload events.
func Equal(a, b Config) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

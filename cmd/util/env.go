package util

import (
	"github.com/sirupsen/logrus"

	"github.com/sidkik/tbak/pkg/backup"
	"github.com/sidkik/tbak/pkg/config"
	"github.com/sidkik/tbak/pkg/db"
	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/secure"
)

// Env is the local state that commands operate on. The databases are locked
// until Close is called.
type Env struct {
	Config  config.Config
	Folders *db.FolderDB
	Nodes   *db.NodeDB
}

// OpenEnv parses the config and opens the databases in the data directory.
func OpenEnv() (*Env, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, errors.WithContext(err, "parse config")
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	folders, err := db.OpenFolderDB(cfg.FolderDBPath(), cfg.DataDir)
	if err != nil {
		return nil, lockedError(err, cfg.FolderDBPath())
	}

	nodes, err := db.OpenNodeDB(cfg.NodeDBPath())
	if err != nil {
		folders.Close()
		return nil, lockedError(err, cfg.NodeDBPath())
	}
	return &Env{Config: cfg, Folders: folders, Nodes: nodes}, nil
}

func lockedError(err error, path string) error {
	if errors.Is(err, errors.ErrLocked) {
		return errors.NewFriendlyError("%s is in use by another tbak process.\n"+
			"Stop it (for example a running `tbak node start`) and try again.", path)
	}
	return errors.WithContext(err, "open database")
}

// Identity returns this machine's keypair, generating it on first use.
func (env *Env) Identity() (secure.KeyPair, error) {
	return secure.LoadOrCreateIdentity(env.Config.IdentityPath())
}

// Syncer returns a backup.Syncer for the configured nodes.
func (env *Env) Syncer(log logrus.FieldLogger) (*backup.Syncer, error) {
	identity, err := env.Identity()
	if err != nil {
		return nil, errors.WithContext(err, "load identity")
	}

	opts, err := env.Config.TransferOptions()
	if err != nil {
		return nil, err
	}
	return backup.New(identity, env.Nodes.Nodes(), opts, log), nil
}

// Close saves and unlocks the databases.
func (env *Env) Close() {
	if err := env.Folders.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to save folder database")
	}
	if err := env.Nodes.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to save node database")
	}
}

// WithEnv runs `fn` with the Env open, and exits if either fails.
func WithEnv(fn func(*Env) error) {
	env, err := OpenEnv()
	if err != nil {
		HandleFatalError(err)
		return
	}

	err = fn(env)
	env.Close()
	if err != nil {
		HandleFatalError(err)
	}
}

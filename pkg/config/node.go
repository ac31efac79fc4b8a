package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"

	units "github.com/docker/go-units"
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

const (
	// ConfigPath is the default path to the tbak config.
	ConfigPath = "~/.tbak/config.yaml"

	// DefaultDataDir is where tbak keeps its state when the config doesn't
	// say otherwise.
	DefaultDataDir = "~/.tbak"

	// DefaultPort is the port nodes listen on when none is configured.
	DefaultPort = 6700

	// InitialConfigVersion is the first version of the tbak config. Config
	// files that do not specify a version will default to this version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the supported version of the tbak config
	// of the current binary.
	SupportedConfigVersion = "v1alpha1"
)

// Names of the files kept in the data directory.
const (
	folderDBName = "folders.dat"
	nodeDBName   = "nodes.dat"
	identityName = "server.dat"
)

// fs is used for mock tests. It will be overridden by afero.NewMemMapFs()
// in the tests.
var fs = afero.NewOsFs()

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// Config is the configuration of the local node.
type Config struct {
	Version string `json:"version,omitempty"`

	// DataDir holds the databases, the node's identity, and the archives
	// stored for peers.
	DataDir string `json:"dataDir,omitempty"`

	ListenAddress string `json:"listenAddress,omitempty"`
	Port          int    `json:"port,omitempty"`

	// MetricsAddress is where `node start` serves Prometheus metrics. It's
	// disabled if empty.
	MetricsAddress string `json:"metricsAddress,omitempty"`

	MaxInFlight int `json:"maxInFlight,omitempty"`
	MaxPrepared int `json:"maxPrepared,omitempty"`

	// MaxPreparedBytes is a human readable size, such as "64MiB".
	MaxPreparedBytes string `json:"maxPreparedBytes,omitempty"`

	ContinueOnError *bool `json:"continueOnError,omitempty"`
}

// Parse reads the config at the default path. A missing config file isn't
// an error: every field has a default.
func Parse() (Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config, err := readConfig(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "parse")
	}

	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
	}
	config.DataDir, err = homedirExpand(config.DataDir)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand data dir")
	}

	// Evaluate relative paths relative to the config path.
	if !filepath.IsAbs(config.DataDir) {
		config.DataDir = filepath.Join(filepath.Dir(path), config.DataDir)
	}

	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return config, nil
}

// readConfig loads the file at `path`, or an empty config of the current
// version if there's no such file.
func readConfig(path string) (Config, error) {
	contents, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return Config{Version: SupportedConfigVersion}, nil
	}
	if err != nil {
		return Config{}, errors.WithContext(err, "read file")
	}

	// The version is checked before unknown fields, since a config written
	// for another version is likely to have fields we don't know about.
	config := Config{Version: InitialConfigVersion}
	if err := yaml.Unmarshal(contents, &config); err != nil {
		return Config{}, invalidConfigError(path, err)
	}
	if config.Version != SupportedConfigVersion {
		return Config{}, errors.NewFriendlyError(
			"%s was written for config version %q, but this tbak only "+
				"understands %q.", path, config.Version, SupportedConfigVersion)
	}

	if err := yaml.UnmarshalStrict(contents, &config, yaml.DisallowUnknownFields); err != nil {
		return Config{}, invalidConfigError(path, err)
	}
	return config, nil
}

func invalidConfigError(path string, err error) error {
	// The yaml errors don't say much about where the problem is, so point
	// the user at the usual suspects.
	return errors.NewFriendlyError("Failed to parse %s. Check that every "+
		"field is spelled correctly and has the right type.\n\n"+
		"The parser said: %s", path, err)
}

// GetConfigPath returns the path to the tbak config. This path is expanded,
// so it can be directly passed to file operations.
func GetConfigPath() (string, error) {
	return homedirExpand(ConfigPath)
}

// EnsureDataDir creates the data directory if it doesn't exist yet.
func (c Config) EnsureDataDir() error {
	if err := fs.MkdirAll(c.DataDir, 0700); err != nil {
		return errors.WithContext(err, "create data dir")
	}
	return nil
}

// FolderDBPath is the path of the folder database.
func (c Config) FolderDBPath() string {
	return filepath.Join(c.DataDir, folderDBName)
}

// NodeDBPath is the path of the node database.
func (c Config) NodeDBPath() string {
	return filepath.Join(c.DataDir, nodeDBName)
}

// IdentityPath is the path of the node's keypair.
func (c Config) IdentityPath() string {
	return filepath.Join(c.DataDir, identityName)
}

// ListenHostPort is the address the node server listens on.
func (c Config) ListenHostPort() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

// TransferOptions returns the options for transfer workers.
func (c Config) TransferOptions() (transfer.Options, error) {
	opts := transfer.DefaultOptions()
	if c.MaxInFlight > 0 {
		opts.MaxInFlight = c.MaxInFlight
	}
	if c.MaxPrepared > 0 {
		opts.MaxPrepared = c.MaxPrepared
	}
	if c.MaxPreparedBytes != "" {
		size, err := units.RAMInBytes(c.MaxPreparedBytes)
		if err != nil {
			return transfer.Options{}, errors.NewFriendlyError(
				"Invalid maxPreparedBytes %q: %s", c.MaxPreparedBytes, err)
		}
		opts.MaxPreparedBytes = size
	}
	if c.ContinueOnError != nil {
		opts.ContinueOnError = *c.ContinueOnError
	}
	return opts, nil
}

// NodeAddress returns the address to dial for a node URI. URIs without a
// port use the default one.
func NodeAddress(uri string) string {
	if _, _, err := net.SplitHostPort(uri); err == nil {
		return uri
	}
	return net.JoinHostPort(uri, strconv.Itoa(DefaultPort))
}

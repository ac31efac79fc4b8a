package config

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tbak/pkg/errors"
	"github.com/sidkik/tbak/pkg/sync/transfer"
)

func mockHome(t *testing.T) {
	fs = afero.NewMemMapFs()
	homedirExpand = func(path string) (string, error) {
		if len(path) > 0 && path[0] == '~' {
			return "/home/user" + path[1:], nil
		}
		return path, nil
	}
	t.Cleanup(func() {
		fs = afero.NewOsFs()
	})
}

func TestParse(t *testing.T) {
	path := "/home/user/.tbak/config.yaml"
	continueOnError := false

	tests := []struct {
		name      string
		input     *string
		expConfig Config
		expError  bool
		expFriend bool
		expMsg    string
	}{
		{
			name: "Missing",
			expConfig: Config{
				Version: SupportedConfigVersion,
				DataDir: "/home/user/.tbak",
				Port:    DefaultPort,
			},
		},
		{
			name:  "EmptyVersion",
			input: strPtr("port: 7000\n"),
			expConfig: Config{
				Version: InitialConfigVersion,
				DataDir: "/home/user/.tbak",
				Port:    7000,
			},
		},
		{
			name: "Full",
			input: strPtr(fmt.Sprintf(`
version: %s
dataDir: ~/backups
listenAddress: 127.0.0.1
port: 6701
maxInFlight: 3
maxPrepared: 10
maxPreparedBytes: 16MiB
continueOnError: false
`, SupportedConfigVersion)),
			expConfig: Config{
				Version:          SupportedConfigVersion,
				DataDir:          "/home/user/backups",
				ListenAddress:    "127.0.0.1",
				Port:             6701,
				MaxInFlight:      3,
				MaxPrepared:      10,
				MaxPreparedBytes: "16MiB",
				ContinueOnError:  &continueOnError,
			},
		},
		{
			name:  "RelativeDataDir",
			input: strPtr("dataDir: data\n"),
			expConfig: Config{
				Version: InitialConfigVersion,
				DataDir: "/home/user/.tbak/data",
				Port:    DefaultPort,
			},
		},
		{
			name:      "IncorrectVersion",
			input:     strPtr("version: v2\n"),
			expError:  true,
			expFriend: true,
		},
		{
			name:      "ExtraFields",
			input:     strPtr(fmt.Sprintf("version: %s\nextra: fields\n", SupportedConfigVersion)),
			expError:  true,
			expFriend: true,
		},
		{
			name:      "ExtraFieldsOtherVersion",
			input:     strPtr("version: v2\nextra: fields\n"),
			expError:  true,
			expFriend: true,
			expMsg:    `understands "v1alpha1"`,
		},
		{
			name:      "WrongType",
			input:     strPtr("port: seven\n"),
			expError:  true,
			expFriend: true,
			expMsg:    path,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mockHome(t)
			if test.input != nil {
				require.NoError(t, afero.WriteFile(fs, path, []byte(*test.input), 0644))
			}

			config, err := Parse()
			if test.expError {
				assert.Error(t, err)
				msg, friendly := errors.GetFriendlyMessage(err)
				assert.Equal(t, test.expFriend, friendly)
				assert.Contains(t, msg, test.expMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expConfig, config)
		})
	}
}

func TestPaths(t *testing.T) {
	config := Config{DataDir: "/var/lib/tbak", Port: 6701}
	assert.Equal(t, "/var/lib/tbak/folders.dat", config.FolderDBPath())
	assert.Equal(t, "/var/lib/tbak/nodes.dat", config.NodeDBPath())
	assert.Equal(t, "/var/lib/tbak/server.dat", config.IdentityPath())
	assert.Equal(t, ":6701", config.ListenHostPort())

	mockHome(t)
	require.NoError(t, config.EnsureDataDir())
	exists, err := afero.DirExists(fs, "/var/lib/tbak")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTransferOptions(t *testing.T) {
	opts, err := Config{}.TransferOptions()
	require.NoError(t, err)
	assert.Equal(t, transfer.DefaultOptions(), opts)

	continueOnError := false
	opts, err = Config{
		MaxInFlight:      2,
		MaxPrepared:      4,
		MaxPreparedBytes: "1MiB",
		ContinueOnError:  &continueOnError,
	}.TransferOptions()
	require.NoError(t, err)
	assert.Equal(t, transfer.Options{
		MaxInFlight:      2,
		MaxPrepared:      4,
		MaxPreparedBytes: 1 << 20,
	}, opts)

	_, err = Config{MaxPreparedBytes: "lots"}.TransferOptions()
	assert.Error(t, err)
}

func TestNodeAddress(t *testing.T) {
	tests := []struct {
		uri, exp string
	}{
		{"backup.example.com", "backup.example.com:6700"},
		{"backup.example.com:7000", "backup.example.com:7000"},
		{"10.0.0.2", "10.0.0.2:6700"},
		{"::1", "[::1]:6700"},
		{"[::1]:7000", "[::1]:7000"},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, NodeAddress(test.uri))
	}
}

func strPtr(s string) *string {
	return &s
}

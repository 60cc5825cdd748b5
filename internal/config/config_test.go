package config_test

import (
	"testing"

	"github.com/Tarsnap/kivaloo-sub001/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLBSFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{
			name: "valid minimal",
			args: []string{"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "4096"},
		},
		{
			name:    "missing socket",
			args:    []string{"-d", "/tmp/store", "-b", "4096"},
			wantErr: true,
		},
		{
			name:    "missing storage dir",
			args:    []string{"-s", "127.0.0.1:9000", "-b", "4096"},
			wantErr: true,
		},
		{
			name:    "block size too small",
			args:    []string{"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "256"},
			wantErr: true,
		},
		{
			name:    "block size too large",
			args:    []string{"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "999999"},
			wantErr: true,
		},
		{
			name:    "readers out of range",
			args:    []string{"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "4096", "-n", "0"},
			wantErr: true,
		},
		{
			name: "all flags set",
			args: []string{
				"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "4096",
				"-n", "4", "-p", "/tmp/lbs.pid", "-l", "1000", "-L", "-1",
			},
		},
		{
			name:    "trailing positional argument",
			args:    []string{"-s", "127.0.0.1:9000", "-d", "/tmp/store", "-b", "4096", "extra"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.ParseLBSFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:9000", cfg.Socket)
			assert.Equal(t, "/tmp/store", cfg.StorageDir)
			assert.Equal(t, 4096, cfg.BlockLen)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.ParseLBSFlags([]string{"-s", "s", "-d", "d", "-b", "4096"})
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.NReaders)
		assert.False(t, cfg.NoSync)
		assert.False(t, cfg.OneShot)
	})
}

func TestParseDDBQFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{
			name: "valid minimal",
			args: []string{"-s", "127.0.0.1:9001", "-r", "us-east-1", "-t", "mytable", "-k", "/tmp/keys"},
		},
		{
			name:    "missing region",
			args:    []string{"-s", "127.0.0.1:9001", "-t", "mytable", "-k", "/tmp/keys"},
			wantErr: true,
		},
		{
			name:    "missing table",
			args:    []string{"-s", "127.0.0.1:9001", "-r", "us-east-1", "-k", "/tmp/keys"},
			wantErr: true,
		},
		{
			name:    "missing keyfile",
			args:    []string{"-s", "127.0.0.1:9001", "-r", "us-east-1", "-t", "mytable"},
			wantErr: true,
		},
		{
			name: "with optional logfile and pidfile",
			args: []string{
				"-s", "127.0.0.1:9001", "-r", "us-east-1", "-t", "mytable", "-k", "/tmp/keys",
				"-l", "/tmp/ddbq.log", "-p", "/tmp/ddbq.pid", "-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.ParseDDBQFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "us-east-1", cfg.Region)
			assert.Equal(t, "mytable", cfg.Table)
		})
	}
}

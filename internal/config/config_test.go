package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
database:
  name: heroesdb
  namespace: dev1
  inMemory: false
  dataDir: /var/lib/livedoc
listen:
  network: unix
  address: /tmp/livedoc.sock
proxy:
  requestTimeout: 3s
log:
  level: debug
replications:
  - replicationIdentifier: my-nats-replication-collection-A
    collection: heroes
    streamName: stream-for-replication-A
    subjectPrefix: heroes
    connection:
      endpoint: nats://localhost:4222
      credentials:
        user: app
        password: secret
    pull:
      batchSize: 10
  - replicationIdentifier: local
    collection: heroes
    streamName: local-stream
    subjectPrefix: heroes
    live: false
    connection:
      endpoint: mem://
    retry:
      maxAttempts: 3
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "dev1", cfg.Database.Namespace)
	assert.False(t, cfg.Database.InMemory)
	assert.Equal(t, "unix", cfg.Listen.Network)
	assert.Equal(t, 3*time.Second, cfg.Proxy.RequestTimeout)
	assert.Equal(t, 64, cfg.Proxy.Workers, "unset fields keep their default")
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Replications, 2)
	nats := cfg.Replications[0]
	assert.Equal(t, "nats", nats.Scheme())
	assert.Equal(t, "app", nats.Connection.Credentials.User)
	assert.Equal(t, 10, nats.Pull.BatchSize)
	assert.Equal(t, 30, nats.Push.BatchSize)
	assert.Equal(t, -1, nats.Connection.Reconnect.MaxAttempts)
	assert.True(t, nats.Live)

	local := cfg.Replications[1]
	assert.Equal(t, "mem", local.Scheme())
	assert.False(t, local.Live)
	assert.Equal(t, 3, local.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, local.Retry.InitialBackoff)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livedoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "heroesdb", cfg.Database.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad network", "listen: {network: udp}", "listen.network"},
		{"bad level", "log: {level: loud}", "unknown log level"},
		{"no data dir", "database: {inMemory: false, dataDir: ''}", "database.dataDir"},
		{"missing identifier", "replications: [{collection: heroes, streamName: s, subjectPrefix: h, connection: {endpoint: 'mem://'}}]", "replicationIdentifier is required"},
		{"bad endpoint", "replications: [{replicationIdentifier: a, collection: heroes, streamName: s, subjectPrefix: h, connection: {endpoint: 'http://x'}}]", "unsupported connection.endpoint"},
		{"wildcard prefix", "replications: [{replicationIdentifier: a, collection: heroes, streamName: s, subjectPrefix: 'h.>', connection: {endpoint: 'mem://'}}]", "invalid subjectPrefix"},
		{"duplicate", `replications:
  - {replicationIdentifier: a, collection: heroes, streamName: s, subjectPrefix: h, connection: {endpoint: 'mem://'}}
  - {replicationIdentifier: a, collection: villains, streamName: s, subjectPrefix: v, connection: {endpoint: 'mem://'}}`, "duplicate replicationIdentifier"},
		{"backoff", "replications: [{replicationIdentifier: a, collection: heroes, streamName: s, subjectPrefix: h, connection: {endpoint: 'mem://'}, retry: {initialBackoff: 10s, maxBackoff: 1s}}]", "retry.maxBackoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("proxy: {requestTimeout: soon}"))
	assert.Error(t, err)
}

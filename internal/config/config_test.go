package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, "meristem", cfg.Database.Database)
	assert.Equal(t, 8, cfg.Audit.PartitionCount)
	assert.Equal(t, 10000, cfg.Audit.BacklogHardLimit)
	assert.NotEmpty(t, cfg.Runtime.Home)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MERISTEM_SERVER_PORT", "9090")
	t.Setenv("MERISTEM_NODE_ID", "core-east-1")
	t.Setenv("MERISTEM_AUDIT_PARTITIONS", "16")
	t.Setenv("MERISTEM_DATABASE_QUERY_MAX_TIME_MS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "core-east-1", cfg.Server.NodeID)
	assert.Equal(t, 16, cfg.Audit.PartitionCount)
	// Unparseable numbers fall back to the default.
	assert.Equal(t, 5000, cfg.Database.QueryMaxTimeMS)
}

func TestMongoURIFallbackKey(t *testing.T) {
	t.Setenv("MONGO_URI", "mongodb://fallback:27017")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://fallback:27017", cfg.Database.MongoURI)

	t.Setenv("MERISTEM_DATABASE_MONGO_URI", "mongodb://primary:27017")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "mongodb://primary:27017", cfg.Database.MongoURI)
}

func TestVerifySecretsRepairedToSuperset(t *testing.T) {
	t.Setenv("MERISTEM_SECURITY_JWT_SIGN_SECRET", "current")
	t.Setenv("MERISTEM_SECURITY_JWT_VERIFY_SECRETS", "old-1, old-2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"current", "old-1", "old-2"}, cfg.Security.JWTVerifySecrets)

	// Already a superset: no duplicate is prepended.
	t.Setenv("MERISTEM_SECURITY_JWT_VERIFY_SECRETS", "current,old-1")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"current", "old-1"}, cfg.Security.JWTVerifySecrets)
}

func TestInvalidPartitionCountRejected(t *testing.T) {
	t.Setenv("MERISTEM_AUDIT_PARTITIONS", "-2")
	_, err := Load()
	require.Error(t, err)
}

func TestSplitListTrimsAndDropsEmpties(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , ,b,"))
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresAPIKey(t *testing.T) {
	clearModelEnv(t)
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CONFIG_MISSING")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearModelEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.Model.Provider)
	require.Equal(t, 10, cfg.Model.MaxToolLoopTurns)
	require.Equal(t, 30, cfg.Analyzer.WindowSize)
	require.Equal(t, 5, cfg.Analyzer.DormancyThreshold)
	require.Equal(t, 500, cfg.Analyzer.MaxMessagesPerDiscussion)
	require.Equal(t, 0.3, cfg.Search.SimilarityThreshold)
	require.Equal(t, 0.5, cfg.Search.HybridAlpha)
	require.Equal(t, 100, cfg.Index.ReindexBatchSize)
	require.Equal(t, 120, cfg.Runs.StaleAfterSeconds)
}

func TestLoad_EnvOverridesTuning(t *testing.T) {
	clearModelEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("RATE_LIMIT_TOKENS_PER_MINUTE", "9000")
	t.Setenv("VECTOR_BACKEND", "memory")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Model.RateLimitTokensPerMin)
	require.Equal(t, "memory", cfg.Database.Vector.Backend)
}

func clearModelEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "MODEL_API_KEY", "ARCHIVECORE_CONFIG"} {
		v, ok := os.LookupEnv(k)
		if ok {
			t.Setenv(k, "")
			os.Unsetenv(k)
			_ = v
		}
	}
	t.Setenv("ARCHIVECORE_CONFIG", "does-not-exist.yaml")
}

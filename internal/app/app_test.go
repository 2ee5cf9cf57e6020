package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemapilot/schemapilot/internal/config"
	"github.com/schemapilot/schemapilot/internal/log"
	"github.com/schemapilot/schemapilot/internal/schemaindex"
	"github.com/schemapilot/schemapilot/internal/testutil"
)

func TestBuildIndex_Chromem(t *testing.T) {
	cfg := &config.Config{
		VectorBackend: config.BackendChromem,
		StoreDir:      t.TempDir(),
	}

	index, pool, err := buildIndex(t.Context(), cfg, testutil.EmbedFunc(16), log.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.IsType(t, &schemaindex.ChromemIndex{}, index)
}

func TestBuildIndex_UnknownBackend(t *testing.T) {
	cfg := &config.Config{VectorBackend: "faiss"}

	_, _, err := buildIndex(t.Context(), cfg, testutil.EmbedFunc(16), log.NewNop())
	require.ErrorIs(t, err, config.ErrInvalidBackend)
}

func TestNewEngine_RequiresTranslatorConfig(t *testing.T) {
	a := &App{
		Config: &config.Config{
			Translator: config.TranslatorConfig{BaseURL: "https://openrouter.ai/api"},
		},
		Logger: log.NewNop(),
	}

	_, err := a.NewEngine()
	require.ErrorContains(t, err, "creating translator")
}

func TestNewEngine(t *testing.T) {
	a := &App{
		Config: &config.Config{
			TopK:     4,
			RowLimit: 500,
			Translator: config.TranslatorConfig{
				BaseURL: "https://openrouter.ai/api",
				APIKey:  "sk-test",
			},
		},
		Logger: log.NewNop(),
		Store:  schemaindex.NewStore(schemaindex.NewChromemIndex(t.TempDir(), testutil.EmbedFunc(16), log.NewNop()), log.NewNop()),
	}

	eng, err := a.NewEngine()
	require.NoError(t, err)
	assert.NotNil(t, eng)
}

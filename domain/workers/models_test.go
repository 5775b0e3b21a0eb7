package workers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelNames(models []*Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Name
	}
	return out
}

func TestStaticModels(t *testing.T) {
	repo := NewStaticModels(
		&Model{Name: "ada", Provider: "openai", Tasks: []string{"embed"}},
		&Model{Name: "whisper", Provider: "openai", Tasks: []string{"transcribe"}},
		&Model{Name: "omni", Provider: "openai"},
	)
	require.Equal(t, 3, repo.Len())

	m, err := repo.FindByName("ada")
	require.NoError(t, err)
	assert.Equal(t, "openai", m.Provider)

	_, err = repo.FindByName("ghost")
	assert.ErrorIs(t, err, ErrModelNotFound)

	// A model with no task list serves every task.
	assert.Equal(t, []string{"ada", "omni"}, modelNames(repo.FindModelsByTask("embed")))
	assert.Equal(t, []string{"whisper", "omni"}, modelNames(repo.FindModelsByTask("transcribe")))
	assert.Equal(t, []string{"omni"}, modelNames(repo.FindModelsByTask("rank")))
}

func TestStaticModelsLaterEntryWins(t *testing.T) {
	repo := NewStaticModels(
		&Model{Name: "ada", Tasks: []string{"embed"}},
		&Model{Name: "ada", Tasks: []string{"rank"}},
	)
	require.Equal(t, 1, repo.Len())

	m, err := repo.FindByName("ada")
	require.NoError(t, err)
	assert.True(t, m.ServesTask("rank"))
	assert.False(t, m.ServesTask("embed"))
}

func TestLoadModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - name: ada
    provider: openai
    tasks: [embed]
    params:
      dimensions: 768
`), 0o644))

	repo, err := LoadModels(path)
	require.NoError(t, err)
	require.Equal(t, 1, repo.Len())

	m, err := repo.FindByName("ada")
	require.NoError(t, err)
	assert.Equal(t, 768, m.Params["dimensions"])
	assert.True(t, m.ServesTask("embed"))
	assert.False(t, m.ServesTask("transcribe"))
}

func TestLoadModelsMissingFile(t *testing.T) {
	_, err := LoadModels(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

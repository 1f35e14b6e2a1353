package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogueIsValid(t *testing.T) {
	cat := DefaultCatalogue()
	require.NoError(t, validateCatalogue(cat))
	assert.True(t, cat.IsDefaultSpeaker("default_male_01"))
	assert.True(t, cat.IsDefaultSpeaker(" default_female_01 "))
	assert.False(t, cat.IsDefaultSpeaker("someone_else"))
	assert.Len(t, cat.TTSLanguages, 10)
	assert.Len(t, cat.TranslationLanguages, 11)
}

func TestDecodeCatalogueOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generation.yml")
	body := []byte(`generation:
  fallbackSpeaker: narrator_01
  defaultSpeakers:
    - narrator_01
    - narrator_02
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cat, err := decodeCatalogue(v, DefaultCatalogue())
	require.NoError(t, err)
	assert.Equal(t, "narrator_01", cat.FallbackSpeaker)
	assert.Equal(t, []string{"narrator_01", "narrator_02"}, cat.DefaultSpeakers)
	assert.Equal(t, "en", cat.DefaultLanguage)
	assert.NotEmpty(t, cat.TTSLanguages)
}

func TestDecodeCatalogueRejectsEmptySpeakers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generation.yml")
	require.NoError(t, os.WriteFile(path, []byte("generation:\n  fallbackSpeaker: \"\"\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	_, err := decodeCatalogue(v, DefaultCatalogue())
	require.Error(t, err)
}

func TestGetenvDuration(t *testing.T) {
	t.Setenv("VOXA_TEST_DURATION", "90")
	assert.Equal(t, 90*time.Second, getenvDuration("VOXA_TEST_DURATION", 0))

	t.Setenv("VOXA_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getenvDuration("VOXA_TEST_DURATION", 0))

	t.Setenv("VOXA_TEST_DURATION", "garbage")
	assert.Equal(t, 5*time.Second, getenvDuration("VOXA_TEST_DURATION", 5*time.Second))
}

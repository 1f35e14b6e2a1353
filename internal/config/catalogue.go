package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Language is one entry of a language table. Counterpart is the matching
// code in the other model's table (nllb <-> tts).
type Language struct {
	Code        string `mapstructure:"code" json:"code"`
	Name        string `mapstructure:"name" json:"name"`
	Counterpart string `mapstructure:"counterpart" json:"counterpart,omitempty"`
}

// Catalogue holds generation defaults that operators may change at runtime.
type Catalogue struct {
	DefaultSpeakers      []string   `mapstructure:"defaultSpeakers"`
	FallbackSpeaker      string     `mapstructure:"fallbackSpeaker"`
	DefaultLanguage      string     `mapstructure:"defaultLanguage"`
	TTSModel             string     `mapstructure:"ttsModel"`
	TranslationModel     string     `mapstructure:"translationModel"`
	TTSLanguages         []Language `mapstructure:"ttsLanguages"`
	TranslationLanguages []Language `mapstructure:"translationLanguages"`
}

func DefaultCatalogue() Catalogue {
	return Catalogue{
		DefaultSpeakers:  []string{"default_male_01", "default_female_01"},
		FallbackSpeaker:  "default_female_01",
		DefaultLanguage:  "en",
		TTSModel:         "qwen3-tts",
		TranslationModel: "nllb",
		TTSLanguages: []Language{
			{Code: "en", Name: "English", Counterpart: "eng_Latn"},
			{Code: "zh", Name: "Chinese", Counterpart: "zho_Hans"},
			{Code: "ja", Name: "Japanese", Counterpart: "jpn_Jpan"},
			{Code: "ko", Name: "Korean", Counterpart: "kor_Hang"},
			{Code: "de", Name: "German", Counterpart: "deu_Latn"},
			{Code: "fr", Name: "French", Counterpart: "fra_Latn"},
			{Code: "ru", Name: "Russian", Counterpart: "rus_Cyrl"},
			{Code: "pt", Name: "Portuguese", Counterpart: "por_Latn"},
			{Code: "es", Name: "Spanish", Counterpart: "spa_Latn"},
			{Code: "it", Name: "Italian", Counterpart: "ita_Latn"},
		},
		TranslationLanguages: []Language{
			{Code: "eng_Latn", Name: "English", Counterpart: "en"},
			{Code: "zho_Hans", Name: "Chinese (Simplified)", Counterpart: "zh"},
			{Code: "zho_Hant", Name: "Chinese (Traditional)", Counterpart: "zh"},
			{Code: "jpn_Jpan", Name: "Japanese", Counterpart: "ja"},
			{Code: "kor_Hang", Name: "Korean", Counterpart: "ko"},
			{Code: "deu_Latn", Name: "German", Counterpart: "de"},
			{Code: "fra_Latn", Name: "French", Counterpart: "fr"},
			{Code: "rus_Cyrl", Name: "Russian", Counterpart: "ru"},
			{Code: "por_Latn", Name: "Portuguese", Counterpart: "pt"},
			{Code: "spa_Latn", Name: "Spanish", Counterpart: "es"},
			{Code: "ita_Latn", Name: "Italian", Counterpart: "it"},
		},
	}
}

// IsDefaultSpeaker reports whether id is one of the built-in voices.
func (c Catalogue) IsDefaultSpeaker(id string) bool {
	id = strings.TrimSpace(id)
	for _, speaker := range c.DefaultSpeakers {
		if speaker == id {
			return true
		}
	}
	return false
}

type CatalogueHolder struct {
	current atomic.Value // holds Catalogue
}

// NewStaticCatalogueHolder returns a holder that never reloads.
func NewStaticCatalogueHolder(c Catalogue) *CatalogueHolder {
	holder := &CatalogueHolder{}
	holder.current.Store(c)
	return holder
}

func NewCatalogueHolder(log *zap.Logger) (*CatalogueHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.catalogue")

	v := viper.New()

	v.SetConfigName("generation")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/voxa/config")
	v.AddConfigPath("/etc/voxa")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VOXA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalogue()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeCatalogue(v, defaults)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCatalogueHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalogue(v, defaults)
		if err != nil {
			log.Warn("catalogue reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalogue reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CatalogueHolder) Get() Catalogue {
	return h.current.Load().(Catalogue)
}

func decodeCatalogue(v *viper.Viper, defaults Catalogue) (Catalogue, error) {
	cfg := defaults
	if v.IsSet("generation") {
		if err := v.UnmarshalKey("generation", &cfg); err != nil {
			return Catalogue{}, err
		}
	}
	if err := validateCatalogue(cfg); err != nil {
		return Catalogue{}, err
	}
	return cfg, nil
}

func validateCatalogue(cfg Catalogue) error {
	if len(cfg.DefaultSpeakers) == 0 {
		return errors.New("generation.defaultSpeakers cannot be empty")
	}
	if strings.TrimSpace(cfg.FallbackSpeaker) == "" {
		return errors.New("generation.fallbackSpeaker is required")
	}
	if len(cfg.TTSLanguages) == 0 {
		return errors.New("generation.ttsLanguages cannot be empty")
	}
	return nil
}

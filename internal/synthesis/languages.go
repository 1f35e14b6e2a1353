package synthesis

import "github.com/smallbiznis/voxa/internal/config"

const (
	LanguageSourceUpstream = "upstream"
	LanguageSourceFallback = "fallback"
)

// Languages lists what each model accepts.
type Languages struct {
	TTSModel         string            `json:"tts_model"`
	TranslationModel string            `json:"translation_model"`
	TTS              []config.Language `json:"tts"`
	Translation      []config.Language `json:"translation"`
	Source           string            `json:"source"`
}

type languagesResponse struct {
	Translation struct {
		Model     string `json:"model"`
		Languages []struct {
			Code    string `json:"code"`
			Name    string `json:"name"`
			TTSCode string `json:"tts_code"`
		} `json:"languages"`
	} `json:"translation"`
	TTS struct {
		Model     string `json:"model"`
		Languages []struct {
			Code     string `json:"code"`
			Name     string `json:"name"`
			NLLBCode string `json:"nllb_code"`
		} `json:"languages"`
	} `json:"tts"`
}

func (r languagesResponse) toLanguages() Languages {
	out := Languages{
		TTSModel:         r.TTS.Model,
		TranslationModel: r.Translation.Model,
		TTS:              make([]config.Language, 0, len(r.TTS.Languages)),
		Translation:      make([]config.Language, 0, len(r.Translation.Languages)),
		Source:           LanguageSourceUpstream,
	}
	for _, l := range r.TTS.Languages {
		out.TTS = append(out.TTS, config.Language{Code: l.Code, Name: l.Name, Counterpart: l.NLLBCode})
	}
	for _, l := range r.Translation.Languages {
		out.Translation = append(out.Translation, config.Language{Code: l.Code, Name: l.Name, Counterpart: l.TTSCode})
	}
	return out
}

func fallbackLanguages(c config.Catalogue) Languages {
	return Languages{
		TTSModel:         c.TTSModel,
		TranslationModel: c.TranslationModel,
		TTS:              c.TTSLanguages,
		Translation:      c.TranslationLanguages,
		Source:           LanguageSourceFallback,
	}
}

package llm

// preset describes an OpenAI-compatible hosted or local endpoint.
type preset struct {
	baseURL string
	prefix  string
}

// presets maps provider names to their default endpoints. Gemini's
// compatibility layer has no /v1 prefix.
var presets = map[string]preset{
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1"},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1"},
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1"},
	"gemini":     {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", prefix: ""},
	"custom":     {prefix: "/v1"},
}

func newPreset(cfg Config, p preset) *OpenAICompat {
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.baseURL
	}
	return newOpenAICompat(cfg, p.prefix)
}

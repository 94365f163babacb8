package transcription

// Provider identifies one of the two AI transcription backends from §6:
// Provider A (Groq: lower RPM, higher cost, multilingual, one
// general-purpose model) and Provider B (OpenAI: higher RPM, a model
// family of turbo/standard/distilled). Naming and endpoints are grounded
// on transcription_service.py's provider/model table.
type Provider string

const (
	ProviderGroq   Provider = "groq"
	ProviderOpenAI Provider = "openai"
)

// Endpoint is the multipart upload URL for a provider.
func (p Provider) Endpoint() string {
	switch p {
	case ProviderGroq:
		return "https://api.groq.com/openai/v1/audio/transcriptions"
	case ProviderOpenAI:
		return "https://api.openai.com/v1/audio/transcriptions"
	default:
		return ""
	}
}

// ModelClass maps a (provider, model) pair to the RateGate tuning class
// from §4.2 (turbo/standard/distilled). OpenAI's single Whisper model is
// treated as "standard" for rate-gate purposes; it isn't part of the
// turbo/distilled family the table names.
func ModelClass(provider Provider, model string) string {
	switch model {
	case "whisper-large-v3-turbo":
		return "turbo"
	case "distil-whisper-large-v3-en":
		return "distilled"
	case "whisper-large-v3":
		return "standard"
	case "whisper-1":
		return "standard"
	default:
		return "standard"
	}
}

// DefaultModel returns the model a Method should use absent an explicit
// override: Groq's turbo model for the AI fallback path, OpenAI's sole
// Whisper model for the openai method.
func DefaultModel(provider Provider) string {
	switch provider {
	case ProviderGroq:
		return "whisper-large-v3-turbo"
	case ProviderOpenAI:
		return "whisper-1"
	default:
		return ""
	}
}

package transcription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelClassTable(t *testing.T) {
	require.Equal(t, "turbo", ModelClass(ProviderGroq, "whisper-large-v3-turbo"))
	require.Equal(t, "standard", ModelClass(ProviderGroq, "whisper-large-v3"))
	require.Equal(t, "distilled", ModelClass(ProviderGroq, "distil-whisper-large-v3-en"))
	require.Equal(t, "standard", ModelClass(ProviderOpenAI, "whisper-1"))
}

func TestDefaultModelPerProvider(t *testing.T) {
	require.Equal(t, "whisper-large-v3-turbo", DefaultModel(ProviderGroq))
	require.Equal(t, "whisper-1", DefaultModel(ProviderOpenAI))
}

func TestEndpointsAreDistinct(t *testing.T) {
	require.NotEqual(t, ProviderGroq.Endpoint(), ProviderOpenAI.Endpoint())
	require.Contains(t, ProviderGroq.Endpoint(), "groq.com")
	require.Contains(t, ProviderOpenAI.Endpoint(), "openai.com")
}

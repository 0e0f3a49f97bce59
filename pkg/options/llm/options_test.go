package llm

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderOptions_Flags(t *testing.T) {
	chat := NewChatOptions()
	embed := NewEmbeddingOptions()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	chat.AddFlags(fs)
	embed.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--chat.model=models/gemini-2.5-pro",
		"--embedding.provider=ollama",
		"--chat.extra=temperature=0.2",
	}))
	assert.Equal(t, "models/gemini-2.5-pro", chat.Model)
	assert.Equal(t, "ollama", embed.Provider)
	assert.Equal(t, "0.2", chat.Extra["temperature"])
}

func TestProviderOptions_ToConfigMap(t *testing.T) {
	o := NewChatOptions()
	o.APIKey = "server-key"
	o.Extra = map[string]string{"api_key": "ignored", "custom": "v"}

	m := o.ToConfigMap("")
	assert.Equal(t, "server-key", m["api_key"])
	assert.Equal(t, "gemini-2.5-flash", m["chat_model"])
	assert.Equal(t, 120*time.Second, m["timeout"])
	assert.Equal(t, "v", m["custom"])

	assert.Equal(t, "session-key", o.ToConfigMap("session-key")["api_key"])
}

func TestProviderOptions_Validate(t *testing.T) {
	o := NewEmbeddingOptions()
	assert.Empty(t, o.Validate())

	o.Provider = ""
	o.Timeout = 0
	assert.Len(t, o.Validate(), 2)
}

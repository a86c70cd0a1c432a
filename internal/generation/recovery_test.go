package generation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverContent_RawControlCharacterInContent(t *testing.T) {
	body := []byte("[{\"message_type\":\"assistant_message\",\"content\":\"Hello\x01 world\\nsecond line\"}]")

	var msgs []RunMessage
	require.Error(t, json.Unmarshal(body, &msgs))

	got, ok := RecoverContent(body)
	require.True(t, ok)
	assert.Equal(t, "Hello\x01 world\nsecond line", got)
	assert.Equal(t, "Hello world\nsecond line", SanitizeContent(got))
}

func TestRecoverContent_PicksLastNonEmptyContent(t *testing.T) {
	body := []byte(`[{"content":"first"},{"content":"second \"quoted\""},{"content":"  "}]` + "\x02")

	got, ok := RecoverContent(body)
	require.True(t, ok)
	assert.Equal(t, `second "quoted"`, got)
}

func TestRecoverContent_FallsBackToToolCallMessage(t *testing.T) {
	body := []byte("[{\"message_type\":\"tool_call_message\",\"tool_call\":{\"name\":\"send_message\",\"arguments\":\"{\\\"message\\\":\\\"From the tool\\\"}\"}}\x03]")

	got, ok := RecoverContent(body)
	require.True(t, ok)
	assert.Equal(t, "From the tool", got)
}

func TestRecoverContent_IgnoresUserMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "malformed tool call after user message",
			body: "[{\"message_type\":\"user_message\",\"content\":\"Write a social media post for Acme.\"}," +
				"{\"message_type\":\"tool_call_message\",\"tool_call\":{\"arguments\":\"{\\\"message\\\":\\\"Real post\x01 text\\\"}\"}}]",
			want: "Real post\x01 text",
		},
		{
			name: "assistant before trailing user message",
			body: "[{\"message_type\":\"assistant_message\",\"content\":\"Shipped\x02 it\"}," +
				"{\"message_type\":\"user_message\",\"content\":\"Thanks {great} work\"}]",
			want: "Shipped\x02 it",
		},
		{
			name: "role user without message type",
			body: "[{\"content\":\"Answer\x03 text\"},{\"role\":\"user\",\"content\":\"Prompt text\"}]",
			want: "Answer\x03 text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RecoverContent([]byte(tt.body))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := RecoverContent([]byte("[{\"message_type\":\"user_message\",\"content\":\"Only\x01 the prompt\"}]"))
	assert.False(t, ok)
}

func TestRecoverContent_RawArgumentsWhenNotJSON(t *testing.T) {
	got, ok := RecoverContent([]byte(`{"arguments":"plain text"`))
	require.True(t, ok)
	assert.Equal(t, "plain text", got)
}

func TestRecoverContent_NothingToRecover(t *testing.T) {
	_, ok := RecoverContent([]byte("<html>bad gateway</html>"))
	assert.False(t, ok)

	_, ok = RecoverContent([]byte(`{"content":""}`))
	assert.False(t, ok)
}

func TestUnescape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`a\nb`, "a\nb"},
		{`tab\there`, "tab\there"},
		{`q\"x\"`, `q"x"`},
		{`back\\slash`, `back\slash`},
		{`url\/path`, `url/path`},
		{`é`, `é`},
		{`trailing\`, `trailing\`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, unescape(tt.in))
		})
	}
}

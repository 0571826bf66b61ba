package routes

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_SubstitutesAllParams(t *testing.T) {
	c, err := GetChannelMessage.Compile(Params{"channel": "123", "message": "456"})
	require.NoError(t, err)

	assert.Equal(t, "/channels/123/messages/456", c.Path)
	assert.Equal(t, http.MethodGet, c.Method())
	assert.Equal(t, "GET /channels/123/messages/456", c.String())
}

func TestCompile_IdentityKeepsMinorParams(t *testing.T) {
	a := GetChannelMessage.MustCompile(Params{"channel": "123", "message": "1"})
	b := GetChannelMessage.MustCompile(Params{"channel": "123", "message": "2"})
	other := GetChannelMessage.MustCompile(Params{"channel": "999", "message": "1"})

	assert.Equal(t, "GET /channels/123/messages/{message}", a.Identity())
	assert.Equal(t, a.Identity(), b.Identity(), "minor params must not split buckets")
	assert.NotEqual(t, a.Identity(), other.Identity(), "major params must split buckets")
}

func TestCompile_MethodIsPartOfIdentity(t *testing.T) {
	get := GetChannelMessage.MustCompile(Params{"channel": "1", "message": "2"})
	del := DeleteChannelMessage.MustCompile(Params{"channel": "1", "message": "2"})

	assert.NotEqual(t, get.Identity(), del.Identity())
}

func TestCompile_WebhookTokenIsMajor(t *testing.T) {
	c := PatchInteractionResponse.MustCompile(Params{"webhook": "42", "token": "abc"})

	assert.Equal(t, "/webhooks/42/abc/messages/@original", c.Path)
	assert.Equal(t, "PATCH /webhooks/42/abc/messages/@original", c.Identity())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		route  *Route
		params Params
		errMsg string
	}{
		{"missing", GetChannel, Params{}, "missing parameter"},
		{"empty value", GetChannel, Params{"channel": ""}, "missing parameter"},
		{"unknown", GetChannel, Params{"channel": "1", "guild": "2"}, "unknown parameters"},
		{"unterminated", New(http.MethodGet, "/a/{id"), Params{"id": "1"}, "unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.route.Compile(tt.params)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestCompile_EscapesValues(t *testing.T) {
	r := New(http.MethodGet, "/things/{name}")
	c := r.MustCompile(Params{"name": "a b/c"})

	assert.Equal(t, "/things/a%20b%2Fc", c.Path)
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { GetChannel.MustCompile(nil) })
}

func TestCompiledRoute_URL(t *testing.T) {
	c := GetMyUser.MustCompile(nil)

	assert.Equal(t, "https://discord.com/api/v10/users/@me", c.URL("https://discord.com/api/v10/"))
	assert.True(t, GetMyUser.HasRateLimits)
	assert.False(t, PostToken.HasRateLimits)
}

func TestCompile_MajorParams(t *testing.T) {
	c := PatchInteractionResponse.MustCompile(Params{"webhook": "42", "token": "abc"})
	assert.Equal(t, "token=abc&webhook=42", c.MajorParams())

	m := GetChannelMessage.MustCompile(Params{"channel": "7", "message": "8"})
	assert.Equal(t, "channel=7", m.MajorParams())

	assert.Equal(t, "", GetMyUser.MustCompile(nil).MajorParams())
}

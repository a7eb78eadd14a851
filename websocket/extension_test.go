package websocket

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerWithExtensions(values ...string) http.Header {
	h := make(http.Header)
	for _, v := range values {
		h.Add("Sec-WebSocket-Extensions", v)
	}
	return h
}

func TestParseExtensions(t *testing.T) {
	t.Run("Single extension with params", func(t *testing.T) {
		exts := parseExtensions(headerWithExtensions("permessage-deflate; server_no_context_takeover; server_max_window_bits=10"))
		require.Len(t, exts, 1)
		assert.Equal(t, "permessage-deflate", exts[0].name)
		require.Len(t, exts[0].params, 2)
		assert.Equal(t, extensionParam{name: "server_no_context_takeover"}, exts[0].params[0])
		assert.Equal(t, extensionParam{name: "server_max_window_bits", value: "10"}, exts[0].params[1])
	})

	t.Run("Multiple offers in one header", func(t *testing.T) {
		exts := parseExtensions(headerWithExtensions("permessage-deflate; client_max_window_bits, permessage-deflate"))
		require.Len(t, exts, 2)
		assert.Equal(t, "permessage-deflate", exts[0].name)
		assert.Equal(t, "permessage-deflate", exts[1].name)
		assert.Len(t, exts[0].params, 1)
		assert.Empty(t, exts[1].params)
	})

	t.Run("Multiple header lines", func(t *testing.T) {
		exts := parseExtensions(headerWithExtensions("foo", "bar; a=1"))
		require.Len(t, exts, 2)
		assert.Equal(t, "foo", exts[0].name)
		assert.Equal(t, "bar", exts[1].name)
	})

	t.Run("Quoted values", func(t *testing.T) {
		exts := parseExtensions(headerWithExtensions(`permessage-deflate; server_max_window_bits="12"`))
		require.Len(t, exts, 1)
		assert.Equal(t, "12", exts[0].params[0].value)

		exts = parseExtensions(headerWithExtensions("permessage-deflate; server_max_window_bits='12'"))
		assert.Equal(t, "12", exts[0].params[0].value)
	})

	t.Run("Empty header", func(t *testing.T) {
		assert.Empty(t, parseExtensions(make(http.Header)))
		assert.Empty(t, parseExtensions(headerWithExtensions("")))
	})

	t.Run("Duplicates are preserved in order", func(t *testing.T) {
		exts := parseExtensions(headerWithExtensions("permessage-deflate; client_no_context_takeover; client_no_context_takeover"))
		require.Len(t, exts, 1)
		assert.Len(t, exts[0].params, 2)
	})
}

func TestParseDeflateParams(t *testing.T) {
	t.Run("All parameters", func(t *testing.T) {
		p, err := parseDeflateParams([]extensionParam{
			{name: "server_no_context_takeover"},
			{name: "client_no_context_takeover"},
			{name: "server_max_window_bits", value: "10"},
			{name: "client_max_window_bits", value: "12"},
		})
		require.NoError(t, err)
		assert.True(t, p.serverNoContextTakeover)
		assert.True(t, p.clientNoContextTakeover)
		assert.Equal(t, 10, p.serverMaxWindowBits)
		assert.Equal(t, 12, p.clientMaxWindowBits)
		assert.True(t, p.clientMaxWindowBitsSent)
	})

	t.Run("Bare client_max_window_bits", func(t *testing.T) {
		p, err := parseDeflateParams([]extensionParam{{name: "client_max_window_bits"}})
		require.NoError(t, err)
		assert.True(t, p.clientMaxWindowBitsSent)
		assert.Zero(t, p.clientMaxWindowBits)
	})

	t.Run("Duplicate parameter", func(t *testing.T) {
		_, err := parseDeflateParams([]extensionParam{
			{name: "server_no_context_takeover"},
			{name: "server_no_context_takeover"},
		})
		assert.ErrorIs(t, err, ErrDuplicateParameter)
	})

	t.Run("Unknown parameter", func(t *testing.T) {
		_, err := parseDeflateParams([]extensionParam{{name: "mystery_knob"}})
		assert.ErrorIs(t, err, ErrUnknownExtensionParameter)
	})

	t.Run("Window bits out of range", func(t *testing.T) {
		for _, v := range []string{"7", "16", "0", "-1", "abc", ""} {
			_, err := parseDeflateParams([]extensionParam{{name: "server_max_window_bits", value: v}})
			assert.ErrorIs(t, err, ErrInvalidParameterValue, "value %q", v)
		}
	})

	t.Run("Flag with a value", func(t *testing.T) {
		_, err := parseDeflateParams([]extensionParam{{name: "server_no_context_takeover", value: "yes"}})
		assert.ErrorIs(t, err, ErrInvalidParameterValue)
	})
}

func TestNegotiateServer(t *testing.T) {
	tests := []struct {
		name  string
		offer string
		local DeflateOptions
		want  deflateParams
		ok    bool
	}{
		{
			name:  "Plain offer, no local preferences",
			offer: "permessage-deflate",
			ok:    true,
			want:  deflateParams{},
		},
		{
			name:  "Offer requests server_no_context_takeover",
			offer: "permessage-deflate; server_no_context_takeover",
			ok:    true,
			want:  deflateParams{serverNoContextTakeover: true},
		},
		{
			name:  "Local server_no_context_takeover wins even if not offered",
			offer: "permessage-deflate",
			local: DeflateOptions{ServerNoContextTakeover: true},
			ok:    true,
			want:  deflateParams{serverNoContextTakeover: true},
		},
		{
			name:  "Local client_no_context_takeover is demanded",
			offer: "permessage-deflate",
			local: DeflateOptions{ClientNoContextTakeover: true},
			ok:    true,
			want:  deflateParams{clientNoContextTakeover: true},
		},
		{
			name:  "server_max_window_bits offered without local bound declines",
			offer: "permessage-deflate; server_max_window_bits=10",
			ok:    false,
		},
		{
			name:  "server_max_window_bits local only",
			offer: "permessage-deflate",
			local: DeflateOptions{ServerMaxWindowBits: 12},
			ok:    true,
			want:  deflateParams{serverMaxWindowBits: 12},
		},
		{
			name:  "server_max_window_bits both take the minimum",
			offer: "permessage-deflate; server_max_window_bits=10",
			local: DeflateOptions{ServerMaxWindowBits: 12},
			ok:    true,
			want:  deflateParams{serverMaxWindowBits: 10},
		},
		{
			name:  "client_max_window_bits explicit, no local bound",
			offer: "permessage-deflate; client_max_window_bits=11",
			ok:    true,
			want:  deflateParams{clientMaxWindowBits: 11},
		},
		{
			name:  "client_max_window_bits bare, no local bound",
			offer: "permessage-deflate; client_max_window_bits",
			ok:    true,
			want:  deflateParams{clientMaxWindowBits: 15},
		},
		{
			name:  "Local client bound without client support declines",
			offer: "permessage-deflate",
			local: DeflateOptions{ClientMaxWindowBits: 10},
			ok:    false,
		},
		{
			name:  "client_max_window_bits both take the minimum",
			offer: "permessage-deflate; client_max_window_bits=12",
			local: DeflateOptions{ClientMaxWindowBits: 10},
			ok:    true,
			want:  deflateParams{clientMaxWindowBits: 10},
		},
		{
			name:  "Bare client support with local bound uses local",
			offer: "permessage-deflate; client_max_window_bits",
			local: DeflateOptions{ClientMaxWindowBits: 10},
			ok:    true,
			want:  deflateParams{clientMaxWindowBits: 10},
		},
		{
			name:  "No permessage-deflate offer",
			offer: "x-webkit-deflate-frame",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok, err := negotiateServer(parseExtensions(headerWithExtensions(tt.offer)), tt.local)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				// The caller inspects only the parameter fields.
				resp.clientMaxWindowBitsSent = false
				assert.Equal(t, tt.want, resp)
			}
		})
	}

	t.Run("First acceptable offer wins", func(t *testing.T) {
		offers := parseExtensions(headerWithExtensions(
			"permessage-deflate; server_max_window_bits=10, permessage-deflate"))
		resp, ok, err := negotiateServer(offers, DeflateOptions{})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, deflateParams{}, resp)
	})

	t.Run("Malformed offer fails the negotiation", func(t *testing.T) {
		offers := parseExtensions(headerWithExtensions("permessage-deflate; bogus=1, permessage-deflate"))
		_, _, err := negotiateServer(offers, DeflateOptions{})
		assert.ErrorIs(t, err, ErrUnknownExtensionParameter)
	})

	t.Run("Duplicate parameter fails the negotiation", func(t *testing.T) {
		offers := parseExtensions(headerWithExtensions(
			"permessage-deflate; server_no_context_takeover; server_no_context_takeover"))
		_, _, err := negotiateServer(offers, DeflateOptions{})
		assert.ErrorIs(t, err, ErrDuplicateParameter)
	})
}

func TestAcceptClient(t *testing.T) {
	tests := []struct {
		name     string
		response string
		offered  DeflateOptions
		ok       bool
		err      error
	}{
		{
			name:     "Plain acceptance",
			response: "permessage-deflate",
			ok:       true,
		},
		{
			name:     "Server adds server_no_context_takeover unprompted",
			response: "permessage-deflate; server_no_context_takeover",
			ok:       true,
		},
		{
			name:     "Server adds client_no_context_takeover unprompted",
			response: "permessage-deflate; client_no_context_takeover",
			ok:       true,
		},
		{
			name:     "Requested server_no_context_takeover omitted",
			response: "permessage-deflate",
			offered:  DeflateOptions{ServerNoContextTakeover: true},
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "Requested server bound omitted",
			response: "permessage-deflate",
			offered:  DeflateOptions{ServerMaxWindowBits: 10},
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "Server bound wider than requested",
			response: "permessage-deflate; server_max_window_bits=12",
			offered:  DeflateOptions{ServerMaxWindowBits: 10},
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "Server bound narrower than requested",
			response: "permessage-deflate; server_max_window_bits=9",
			offered:  DeflateOptions{ServerMaxWindowBits: 10},
			ok:       true,
		},
		{
			name:     "Requested client bound omitted",
			response: "permessage-deflate",
			offered:  DeflateOptions{ClientMaxWindowBits: 10},
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "Client bound wider than requested",
			response: "permessage-deflate; client_max_window_bits=12",
			offered:  DeflateOptions{ClientMaxWindowBits: 10},
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "Client bound without requested bound",
			response: "permessage-deflate; client_max_window_bits=12",
			ok:       true,
		},
		{
			name:     "Bare client_max_window_bits in a response",
			response: "permessage-deflate; client_max_window_bits",
			err:      ErrInvalidServerResponse,
		},
		{
			name:     "No extension entry means not active",
			response: "",
			ok:       false,
		},
		{
			name:     "Duplicate entries claim the same reserved bit",
			response: "permessage-deflate, permessage-deflate",
			err:      ErrIncompatibleExtensions,
		},
		{
			name:     "Unknown parameter in response",
			response: "permessage-deflate; bogus",
			err:      ErrUnknownExtensionParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var header http.Header
			if tt.response != "" {
				header = headerWithExtensions(tt.response)
			} else {
				header = make(http.Header)
			}
			_, ok, err := acceptClient(parseExtensions(header), tt.offered)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestFormatDeflate(t *testing.T) {
	t.Run("Response rendering", func(t *testing.T) {
		assert.Equal(t, "permessage-deflate", formatDeflateResponse(deflateParams{}))
		assert.Equal(t,
			"permessage-deflate; server_no_context_takeover; server_max_window_bits=10; client_no_context_takeover; client_max_window_bits=12",
			formatDeflateResponse(deflateParams{
				serverNoContextTakeover: true,
				clientNoContextTakeover: true,
				serverMaxWindowBits:     10,
				clientMaxWindowBits:     12,
			}))
	})

	t.Run("Offer rendering", func(t *testing.T) {
		assert.Equal(t, "permessage-deflate; client_max_window_bits", formatDeflateOffer(DeflateOptions{}))
		assert.Equal(t,
			"permessage-deflate; server_no_context_takeover; server_max_window_bits=10; client_no_context_takeover; client_max_window_bits=12",
			formatDeflateOffer(DeflateOptions{
				ServerNoContextTakeover: true,
				ClientNoContextTakeover: true,
				ServerMaxWindowBits:     10,
				ClientMaxWindowBits:     12,
			}))
	})

	t.Run("Offer and response survive reparsing", func(t *testing.T) {
		local := DeflateOptions{ServerNoContextTakeover: true, ServerMaxWindowBits: 10}
		offers := parseExtensions(headerWithExtensions(formatDeflateOffer(local)))
		resp, ok, err := negotiateServer(offers, local)
		require.NoError(t, err)
		require.True(t, ok)

		accepted, ok, err := acceptClient(parseExtensions(headerWithExtensions(formatDeflateResponse(resp))), local)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, accepted.serverNoContextTakeover)
		assert.Equal(t, 10, accepted.serverMaxWindowBits)
	})
}

func TestWindowBitsResolution(t *testing.T) {
	p := deflateParams{}
	assert.Equal(t, 15, p.serverWindowBits())
	assert.Equal(t, 15, p.clientWindowBits())

	p = deflateParams{serverMaxWindowBits: 9, clientMaxWindowBits: 10}
	assert.Equal(t, 9, p.serverWindowBits())
	assert.Equal(t, 10, p.clientWindowBits())
}

func TestExtensionSetClaim(t *testing.T) {
	var s extensionSet
	require.NoError(t, s.claim(true, false, false))
	assert.ErrorIs(t, s.claim(true, false, false), ErrIncompatibleExtensions)
	require.NoError(t, s.claim(false, true, true))
	assert.ErrorIs(t, s.claim(false, false, true), ErrIncompatibleExtensions)
}

package crawler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(&TransportError{URL: "https://x", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "https://x")

	var te *TransportError
	require.ErrorAs(t, NewStatusError("https://x", http.StatusGone), &te)
	assert.True(t, te.Permanent)
	assert.Equal(t, http.StatusGone, te.StatusCode)
	assert.Contains(t, te.Error(), "status 410")
}

func TestConfigurationErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewConfigurationError("dimensions.countries", "must not be empty")
	assert.Equal(t, "configuration dimensions.countries: must not be empty", err.Error())

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, error(err), &cfgErr)
}

func TestParseErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("truncated")
	err := error(&ParseError{Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "parse page: truncated", err.Error())
}

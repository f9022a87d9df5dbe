package communityservers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionalStringAbsent(t *testing.T) {
	var req UpdateWelcomeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{}`), &req))
	assert.False(t, req.WelcomeMessage.Present)
}

func TestOptionalStringExplicitNull(t *testing.T) {
	var req UpdateWelcomeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{"welcome_message": null}`), &req))
	assert.True(t, req.WelcomeMessage.Present)
	assert.Nil(t, req.WelcomeMessage.Value)
}

func TestOptionalStringSet(t *testing.T) {
	var req UpdateWelcomeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{"welcome_message": "hello there"}`), &req))
	assert.True(t, req.WelcomeMessage.Present)
	require.NotNil(t, req.WelcomeMessage.Value)
	assert.Equal(t, "hello there", *req.WelcomeMessage.Value)
}

func TestOptionalStringRejectsNonString(t *testing.T) {
	var req UpdateWelcomeMessageRequest
	assert.Error(t, json.Unmarshal([]byte(`{"welcome_message": 42}`), &req))
}

func TestOptionalStringEmptyStringIsSet(t *testing.T) {
	var req UpdateWelcomeMessageRequest
	require.NoError(t, json.Unmarshal([]byte(`{"welcome_message": ""}`), &req))
	assert.True(t, req.WelcomeMessage.Present)
	require.NotNil(t, req.WelcomeMessage.Value)
	assert.Equal(t, "", *req.WelcomeMessage.Value)
}

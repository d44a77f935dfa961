package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrderingAndNames(t *testing.T) {
	assert.Less(t, int(TierVVIP), int(TierImportant))
	assert.Less(t, int(TierImportant), int(TierStandard))
	assert.Less(t, int(TierStandard), int(TierDefault))
	assert.Equal(t, "VVIP", TierVVIP.String())
	assert.Equal(t, "DEFAULT", TierDefault.String())
	assert.True(t, TierImportant.Responsive())
	assert.False(t, TierStandard.Responsive())
}

func TestTierJSONNull(t *testing.T) {
	data, err := json.Marshal(Email{ID: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tier":null`)

	data, err = json.Marshal(Email{ID: "x", Tier: TierImportant})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tier":2`)

	var e Email
	require.NoError(t, json.Unmarshal([]byte(`{"id":"y","tier":null}`), &e))
	assert.Equal(t, TierUnset, e.Tier)
}

func TestToListItemDefaultsTier(t *testing.T) {
	item := (&Email{ID: "1", Subject: "Hi"}).ToListItem()
	assert.Equal(t, 4, item.Tier)
	assert.Equal(t, "DEFAULT", item.TierName)
}

func TestValidateSendRequest(t *testing.T) {
	err := Validate(&SendRequest{})
	require.Error(t, err)
	assert.Equal(t, "missing required fields: body_html, subject, to_email", err.Error())

	err = Validate(&SendRequest{ToEmail: "not-an-email", Subject: "s", BodyHTML: "<p>b</p>"})
	require.Error(t, err)
	assert.Equal(t, "invalid fields: to_email", err.Error())

	assert.NoError(t, Validate(&SendRequest{ToEmail: "a@b.org", Subject: "s", BodyHTML: "b"}))
}

func TestValidateDraftRequest(t *testing.T) {
	assert.Error(t, Validate(&DraftRequest{}))
	assert.NoError(t, Validate(&DraftRequest{EmailID: "AAMk"}))
}

package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverridesParsesEveryKey(t *testing.T) {
	o := ParseOverrides(map[string]string{
		KeyRetentionGraceDays: "14",
		KeyDriftFraction:      "0.05",
		KeyQuotaEstimateBytes: "2147483648",
		KeyUploadBandwidthBps: "1000000",
		KeyTimezone:           "Europe/London",
	})
	require.NotNil(t, o.RetentionGraceDays)
	assert.Equal(t, 14, *o.RetentionGraceDays)
	require.NotNil(t, o.DriftFraction)
	assert.InDelta(t, 0.05, *o.DriftFraction, 1e-9)
	require.NotNil(t, o.QuotaEstimateBytes)
	assert.EqualValues(t, 2147483648, *o.QuotaEstimateBytes)
	require.NotNil(t, o.UploadBandwidthBps)
	assert.EqualValues(t, 1000000, *o.UploadBandwidthBps)
	require.NotNil(t, o.Timezone)
	assert.Equal(t, "Europe/London", *o.Timezone)
}

func TestParseOverridesSkipsUnparseableValues(t *testing.T) {
	o := ParseOverrides(map[string]string{
		KeyRetentionGraceDays: "not-a-number",
		KeyDriftFraction:      "also-not-a-number",
	})
	assert.Nil(t, o.RetentionGraceDays)
	assert.Nil(t, o.DriftFraction)
}

func TestParseOverridesEmptyMapYieldsAllNil(t *testing.T) {
	o := ParseOverrides(map[string]string{})
	assert.Nil(t, o.RetentionGraceDays)
	assert.Nil(t, o.DriftFraction)
	assert.Nil(t, o.QuotaEstimateBytes)
	assert.Nil(t, o.UploadBandwidthBps)
	assert.Nil(t, o.Timezone)
}

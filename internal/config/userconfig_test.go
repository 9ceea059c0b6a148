package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestUserConfigValidate(t *testing.T) {
	ok := UserConfig{
		Endpoint:              EndpointChat,
		TimingMode:            TimingConcurrency,
		Concurrency:           2,
		TotalExpectedRequests: intPtr(4),
		Model:                 "gpt-test",
		ServerURL:             "http://localhost:8000",
	}
	assert.NoError(t, ok.Validate())

	missingConcurrency := ok
	missingConcurrency.Concurrency = 0
	assert.Error(t, missingConcurrency.Validate())

	missingCompletionTarget := ok
	missingCompletionTarget.TotalExpectedRequests = nil
	assert.Error(t, missingCompletionTarget.Validate())

	badEndpoint := ok
	badEndpoint.Endpoint = "bogus"
	assert.Error(t, badEndpoint.Validate())

	rateMode := ok
	rateMode.TimingMode = TimingRequestRate
	rateMode.RequestRate = 0
	assert.Error(t, rateMode.Validate())
}

package appErrors_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		precondition bool
		notFound     bool
		fatal        bool
	}{
		{"empty recipients", appErrors.ErrEmptyRecipients, true, false, false},
		{"wrapped exhausted", appErrors.Wrap(appErrors.ErrRetriesExhausted, "retry"), true, false, false},
		{"invalid transition", appErrors.NewInvalidTransition("j1", "pause", "pending"), true, false, false},
		{"campaign not found", appErrors.NewCampaignNotFound(7), false, true, false},
		{"wrapped job not found", appErrors.Wrapf(appErrors.NewJobNotFound("x"), "get %s", "x"), false, true, false},
		{"fatal campaign", appErrors.Fatal(appErrors.NewCampaignNotFound(7)), false, true, true},
		{"preconditionf", appErrors.Preconditionf("campaign %d is %s", 1, "sending"), true, false, false},
		{"notfoundf", appErrors.NotFoundf("customer %d not found", 2), false, true, false},
		{"plain", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.precondition, appErrors.IsPrecondition(tt.err))
			assert.Equal(t, tt.notFound, appErrors.IsNotFound(tt.err))
			assert.Equal(t, tt.fatal, appErrors.IsFatalData(tt.err))
		})
	}
}

func TestTypedErrorsKeepFields(t *testing.T) {
	err := appErrors.Wrap(appErrors.NewCampaignNotFound(12), "load")

	var nf *appErrors.ErrCampaignNotFound
	if assert.True(t, errors.As(err, &nf)) {
		assert.Equal(t, 12, nf.CampaignID)
	}
	assert.Contains(t, err.Error(), "campaign with ID 12 not found")
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, appErrors.Wrap(nil, "x"))
	assert.NoError(t, appErrors.Fatal(nil))
	assert.False(t, appErrors.IsStopped(nil))
}

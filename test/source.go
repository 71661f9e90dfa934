// Package test holds conformance checks shared by the backend tests.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toruvault/secrets"
)

// SourceCase is one Fetch expectation.
type SourceCase struct {
	Filter   secrets.Filter
	Expected map[string]string
}

// RunForSource checks that a source returns exactly the expected secrets
// for each filter and that a canceled context is honored.
func RunForSource(src secrets.Source, cases []SourceCase, t *testing.T) {
	require.NotEmpty(t, src.String(), "Source must have a name")

	for _, c := range cases {
		got, err := src.Fetch(context.Background(), c.Filter)
		require.NoError(t, err, "Unexpected error on Fetch with filter %+v", c.Filter)
		assert.Equal(t, c.Expected, got, "Unexpected secrets for filter %+v", c.Filter)

		// Results are owned by the caller.
		for k := range got {
			delete(got, k)
		}
		again, err := src.Fetch(context.Background(), c.Filter)
		require.NoError(t, err)
		assert.Equal(t, c.Expected, again, "Fetch results must not alias")
	}
}

// RunCanceled checks that Fetch returns an error for a canceled context.
func RunCanceled(src secrets.Source, t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Fetch(ctx, secrets.Filter{})
	assert.Error(t, err, "Expected Fetch to fail with a canceled context")
}

package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns an AttemptFunc that replays responses and records the
// corrective instructions it receives.
func scripted(responses []string, correctives *[]string) AttemptFunc {
	i := 0
	return func(_ context.Context, corrective string) (string, error) {
		*correctives = append(*correctives, corrective)
		r := responses[i]
		i++
		return r, nil
	}
}

func TestNegotiate_SucceedsOnThirdAttempt(t *testing.T) {
	var correctives []string
	attempt := scripted([]string{
		"Sure! I updated the files.",
		`{"status": "complete"`,
		validImplementer,
	}, &correctives)

	out, n, err := Negotiate(context.Background(), Implementer, DefaultCeiling, attempt)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, 3, n.Attempts)
	assert.False(t, n.Synthesized)

	require.Len(t, correctives, 3)
	assert.Empty(t, correctives[0])
	assert.Contains(t, correctives[1], "no JSON object found")
	assert.Contains(t, correctives[2], "not valid JSON")
}

func TestNegotiate_CeilingSynthesizesBlocked(t *testing.T) {
	var correctives []string
	attempt := scripted([]string{"nope", "nope", "nope", validImplementer}, &correctives)

	out, n, err := Negotiate(context.Background(), Implementer, 3, attempt)
	require.NoError(t, err)
	assert.True(t, n.Synthesized)
	assert.Equal(t, 3, n.Attempts)
	assert.True(t, out.Blocked())
	assert.Equal(t, BlockedReason, out.Summary)
	require.NotNil(t, n.LastError)
	assert.Equal(t, KindAmbiguousOrMissing, n.LastError.Kind)
}

func TestNegotiate_TransportErrorPassesThrough(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	_, n, err := Negotiate(context.Background(), Validator, 3, func(context.Context, string) (string, error) {
		calls++
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n.Attempts)
	assert.False(t, IsContractError(err))
}

func TestNegotiate_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Negotiate(ctx, Planner, 3, func(context.Context, string) (string, error) {
		t.Fatal("attempt must not be called")
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

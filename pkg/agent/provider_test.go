package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

func testInvocation() Invocation {
	return Invocation{
		Task: &models.Task{
			ID:       "CD-1",
			TaskType: "implementation",
			Title:    "do X",
		},
		Role: &config.RoleConfig{Role: "coder", Prefix: "CD"},
	}
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("rate limited"))))
	assert.False(t, IsTransient(Permanent(errors.New("bad request"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("who knows")))

	inner := errors.New("boom")
	assert.ErrorIs(t, Transient(inner), inner)
	assert.ErrorIs(t, Permanent(inner), inner)
}

func TestRegistryForRole(t *testing.T) {
	r := NewRegistry()

	t.Run("defaults to stub", func(t *testing.T) {
		p, err := r.ForRole(&config.RoleConfig{Role: "pm"})
		require.NoError(t, err)
		assert.IsType(t, &StubProvider{}, p)
	})

	t.Run("command kind", func(t *testing.T) {
		p, err := r.ForRole(&config.RoleConfig{
			Role:     "coder",
			Provider: &config.ProviderConfig{Kind: config.ProviderKindCommand, Command: []string{"/bin/true"}},
		})
		require.NoError(t, err)
		assert.IsType(t, &CommandProvider{}, p)
	})

	t.Run("command without argv fails", func(t *testing.T) {
		_, err := r.ForRole(&config.RoleConfig{
			Role:     "coder",
			Provider: &config.ProviderConfig{Kind: config.ProviderKindCommand},
		})
		assert.Error(t, err)
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		_, err := r.ForRole(&config.RoleConfig{
			Role:     "coder",
			Provider: &config.ProviderConfig{Kind: "telepathy"},
		})
		assert.Error(t, err)
	})
}

func TestStubProviderDefaultSuccess(t *testing.T) {
	p := NewStubProvider()

	var streamed []string
	result, err := p.Invoke(context.Background(), testInvocation(), func(text string) {
		streamed = append(streamed, text)
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Kind)
	assert.Empty(t, result.Produces)
	assert.NotEmpty(t, streamed)
	assert.Equal(t, 1, p.Invocations())
}

func TestStubProviderScriptedResults(t *testing.T) {
	p := NewStubProvider()
	p.QueueResult(&models.Result{Kind: models.ResultReject, Reason: "needs rework", BackToRole: "coder"})
	p.QueueResult(&models.Result{Kind: models.ResultFail, Reason: "broke", Transient: true})

	r1, err := p.Invoke(context.Background(), testInvocation(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultReject, r1.Kind)

	r2, err := p.Invoke(context.Background(), testInvocation(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFail, r2.Kind)

	// Drained: back to default success.
	r3, err := p.Invoke(context.Background(), testInvocation(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, r3.Kind)
}

func TestStubProviderHonorsCancellation(t *testing.T) {
	p := NewStubProvider()
	p.Delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Invoke(ctx, testInvocation(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandProviderStreamsAndReturnsResult(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind: config.ProviderKindCommand,
		Command: []string{"sh", "-c", `
			echo '{"type":"text","text":"working on it"}'
			echo 'not json, ignored'
			echo '{"type":"text","text":"almost there"}'
			echo '{"type":"result","result":{"kind":"success","summary":"done","produces":[{"task_type":"verification","title":"verify X","priority":"medium"}]}}'
		`},
	})
	require.NoError(t, err)

	var streamed []string
	result, err := p.Invoke(context.Background(), testInvocation(), func(text string) {
		streamed = append(streamed, text)
	})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, result.Kind)
	assert.Equal(t, "done", result.Summary)
	require.Len(t, result.Produces, 1)
	assert.Equal(t, "verification", result.Produces[0].TaskType)
	assert.Equal(t, []string{"working on it", "almost there"}, streamed)
}

func TestCommandProviderReadsTaskFromStdin(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind: config.ProviderKindCommand,
		// Echo the received task id back through the result summary.
		Command: []string{"sh", "-c",
			`id=$(sed 's/.*"task_id":"\([^"]*\)".*/\1/'); printf '{"type":"result","result":{"kind":"success","summary":"%s"}}\n' "$id"`},
	})
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), testInvocation(), nil)
	require.NoError(t, err)
	assert.Equal(t, "CD-1", result.Summary)
}

func TestCommandProviderNoResultIsPermanent(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind:    config.ProviderKindCommand,
		Command: []string{"sh", "-c", `echo '{"type":"text","text":"and then nothing"}'`},
	})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), testInvocation(), nil)
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
}

func TestCommandProviderExitFailureIsTransient(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind:    config.ProviderKindCommand,
		Command: []string{"sh", "-c", "echo 'it broke' >&2; exit 3"},
	})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), testInvocation(), nil)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "it broke")
}

func TestCommandProviderMissingBinaryIsPermanent(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind:    config.ProviderKindCommand,
		Command: []string{"/no/such/binary-anywhere"},
	})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), testInvocation(), nil)
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
}

func TestCommandProviderCancellation(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind:    config.ProviderKindCommand,
		Command: []string{"sleep", "60"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Invoke(ctx, testInvocation(), nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCommandProviderInvalidResultIsPermanent(t *testing.T) {
	p, err := NewCommandProvider(&config.ProviderConfig{
		Kind:    config.ProviderKindCommand,
		Command: []string{"sh", "-c", `echo '{"type":"result","result":{"kind":"reject"}}'`},
	})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), testInvocation(), nil)
	var pe *PermanentError
	require.ErrorAs(t, err, &pe)
}

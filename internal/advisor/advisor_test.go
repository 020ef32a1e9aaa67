package advisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dprod/internal/detect"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdvisor struct {
	advice     *Advice
	adviseErr  error
	verified   []string
	verifyErr  error
	lastRule   detect.Config
	adviseHits int
}

func (f *fakeAdvisor) Advise(_ context.Context, _ string, ruleConfig detect.Config) (*Advice, error) {
	f.adviseHits++
	f.lastRule = ruleConfig
	if f.adviseErr != nil {
		return nil, f.adviseErr
	}
	return f.advice, nil
}

func (f *fakeAdvisor) VerifyOutcome(_ context.Context, decisionID string, _ bool, _ string) error {
	f.verified = append(f.verified, decisionID)
	return f.verifyErr
}

func writeNodeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"package.json": `{"name":"demo","scripts":{"start":"node server.js"}}`,
		"server.js":    "require('http')",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

func TestDetectPassesRuleConfigThroughNop(t *testing.T) {
	t.Parallel()

	e := NewAdvisedEngine(detect.NewEngine(), nil)
	res, err := e.Detect(context.Background(), writeNodeProject(t))
	require.NoError(t, err)

	assert.Equal(t, detect.TechNodeJS, res.Config.Type)
	assert.Equal(t, res.RuleConfig, res.Config)
	assert.Empty(t, res.DecisionID)
	assert.False(t, res.AIVerified)
}

func TestDetectAppliesAdvice(t *testing.T) {
	t.Parallel()

	fake := &fakeAdvisor{
		advice: &Advice{
			Config: detect.Config{
				Type:         detect.TechNodeJS,
				StartCommand: "node dist/main",
				Port:         8080,
			},
			DecisionID: "dec-42",
			Verified:   true,
		},
	}

	e := NewAdvisedEngine(detect.NewEngine(), fake)
	res, err := e.Detect(context.Background(), writeNodeProject(t))
	require.NoError(t, err)

	assert.Equal(t, "node dist/main", res.Config.StartCommand)
	assert.Equal(t, 8080, res.Config.Port)
	assert.Equal(t, "dec-42", res.DecisionID)
	assert.True(t, res.AIVerified)

	// The rule config is preserved alongside the advised one.
	assert.Equal(t, "node server.js", res.RuleConfig.StartCommand)
	assert.Equal(t, detect.TechNodeJS, fake.lastRule.Type)
}

func TestDetectFallsBackOnAdvisorError(t *testing.T) {
	t.Parallel()

	fake := &fakeAdvisor{adviseErr: errors.New("model unavailable")}
	e := NewAdvisedEngine(detect.NewEngine(), fake)

	res, err := e.Detect(context.Background(), writeNodeProject(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.adviseHits)
	assert.Equal(t, "node server.js", res.Config.StartCommand)
	assert.False(t, res.AIVerified)
}

func TestDetectRejectsPartialAdvice(t *testing.T) {
	t.Parallel()

	fake := &fakeAdvisor{
		advice: &Advice{
			// Missing start command makes this advice unusable.
			Config:     detect.Config{Type: detect.TechNodeJS, Port: 9999},
			DecisionID: "dec-7",
		},
	}
	e := NewAdvisedEngine(detect.NewEngine(), fake)

	res, err := e.Detect(context.Background(), writeNodeProject(t))
	require.NoError(t, err)
	assert.Equal(t, "node server.js", res.Config.StartCommand)
	assert.Equal(t, 3000, res.Config.Port)
	// Decision metadata still flows for outcome tracking.
	assert.Equal(t, "dec-7", res.DecisionID)
}

func TestVerifyOutcome(t *testing.T) {
	t.Parallel()

	fake := &fakeAdvisor{}
	e := NewAdvisedEngine(detect.NewEngine(), fake)
	ctx := context.Background()

	e.VerifyOutcome(ctx, "", true, "ignored without decision id")
	assert.Empty(t, fake.verified)

	e.VerifyOutcome(ctx, "dec-1", true, "deployment running")
	assert.Equal(t, []string{"dec-1"}, fake.verified)

	// Verify failures are swallowed.
	fake.verifyErr = errors.New("unreachable")
	e.VerifyOutcome(ctx, "dec-2", false, "deployment failed")
	assert.Equal(t, []string{"dec-1", "dec-2"}, fake.verified)
}

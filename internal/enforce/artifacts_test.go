package enforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/flowguard/internal/model"
)

func appliedAction(id string, typ model.ActionType, target string) model.ResponseAction {
	return model.ResponseAction{
		ID:     id,
		Type:   typ,
		Target: target,
		Status: model.ActionApplied,
	}
}

func TestRenderBlockIP(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	a := appliedAction("act-1", model.ActionBlockIP, "203.0.113.7")
	a.ExpiresAt = &expires

	arts := Render(a)
	require.Len(t, arts, 1)
	art := arts[0]
	assert.Equal(t, "flowguard.io/v1", art.APIVersion)
	assert.Equal(t, "NetworkPolicy", art.Kind)
	assert.Equal(t, "fg-block-ip-ingress-203-0-113-7", art.Name)
	assert.Equal(t, "ingress", art.Direction)
	assert.Equal(t, "deny", art.Action)
	assert.Equal(t, "act-1", art.SourceID)
	assert.Equal(t, &expires, art.ExpiresAt)
}

func TestRenderIsolatePair(t *testing.T) {
	arts := Render(appliedAction("act-2", model.ActionIsolateService, "10.0.5.5"))
	require.Len(t, arts, 2)
	assert.Equal(t, "ingress", arts[0].Direction)
	assert.Equal(t, "egress", arts[1].Direction)
	assert.NotEqual(t, arts[0].Name, arts[1].Name)
}

func TestRenderSkipsNonEnforcing(t *testing.T) {
	pending := appliedAction("act-3", model.ActionBlockIP, "203.0.113.7")
	pending.Status = model.ActionPending
	assert.Empty(t, Render(pending))

	rolled := appliedAction("act-4", model.ActionBlockIP, "203.0.113.7")
	rolled.Status = model.ActionRolledBack
	assert.Empty(t, Render(rolled))

	rollback := appliedAction("act-5", model.ActionBlockIP, "203.0.113.7")
	rollback.RollbackOf = "act-1"
	assert.Empty(t, Render(rollback), "a rollback action carries no enforcement of its own")

	assert.Empty(t, Render(appliedAction("act-6", model.ActionNone, "203.0.113.7")))
	assert.Empty(t, Render(appliedAction("act-7", model.ActionRateLimit, "203.0.113.7")),
		"rate limits ride on policy annotations, not rendered artifacts")
}

func TestRenderAllDeduplicates(t *testing.T) {
	actions := []model.ResponseAction{
		appliedAction("act-1", model.ActionBlockIP, "203.0.113.7"),
		appliedAction("act-2", model.ActionBlockIP, "203.0.113.7"),
		appliedAction("act-3", model.ActionIsolateService, "10.0.5.5"),
	}
	arts := RenderAll(actions)
	require.Len(t, arts, 3, "duplicate (type, target) pairs render once")

	names := map[string]bool{}
	for _, art := range arts {
		assert.False(t, names[art.Name])
		names[art.Name] = true
	}
}

func TestRenderDeterministic(t *testing.T) {
	a := appliedAction("act-1", model.ActionIsolateService, "2001:db8::1")
	first := Render(a)
	second := Render(a)
	assert.Equal(t, first, second, "rendering is a pure mapping")
}

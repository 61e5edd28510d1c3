package enforce

import (
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/flowguard/internal/model"
)

// Artifact is the declarative, runtime-native policy object generated
// from an applied mitigation. Rendering is a pure, stateless mapping;
// this package is the engine's only contact with the deployment
// substrate.
type Artifact struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	Target     string     `json:"target"`
	Direction  string     `json:"direction"`
	Action     string     `json:"action"`
	SourceID   string     `json:"source_action_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

const (
	artifactAPIVersion = "flowguard.io/v1"
	artifactKind       = "NetworkPolicy"
)

// Render maps one applied action to its enforcement artifacts.
// Actions that carry no enforcement (none, rate limits handled via
// policy annotations, non-applied states) render nothing.
func Render(a model.ResponseAction) []Artifact {
	if a.Status != model.ActionApplied || a.RollbackOf != "" {
		return nil
	}
	name := func(dir string) string {
		return fmt.Sprintf("fg-%s-%s-%s", strings.ReplaceAll(string(a.Type), "_", "-"), dir, sanitize(a.Target))
	}
	switch a.Type {
	case model.ActionBlockIP:
		return []Artifact{{
			APIVersion: artifactAPIVersion,
			Kind:       artifactKind,
			Name:       name("ingress"),
			Target:     a.Target,
			Direction:  "ingress",
			Action:     "deny",
			SourceID:   a.ID,
			ExpiresAt:  a.ExpiresAt,
		}}
	case model.ActionIsolateService:
		base := Artifact{
			APIVersion: artifactAPIVersion,
			Kind:       artifactKind,
			Target:     a.Target,
			Action:     "deny",
			SourceID:   a.ID,
			ExpiresAt:  a.ExpiresAt,
		}
		ingress, egress := base, base
		ingress.Name, ingress.Direction = name("ingress"), "ingress"
		egress.Name, egress.Direction = name("egress"), "egress"
		return []Artifact{ingress, egress}
	default:
		return nil
	}
}

// RenderAll maps a set of actions to the deduplicated artifact list.
// Two applied actions against the same (type, target) produce one
// artifact set.
func RenderAll(actions []model.ResponseAction) []Artifact {
	seen := make(map[string]struct{})
	var out []Artifact
	for _, a := range actions {
		for _, art := range Render(a) {
			if _, dup := seen[art.Name]; dup {
				continue
			}
			seen[art.Name] = struct{}{}
			out = append(out, art)
		}
	}
	return out
}

func sanitize(target string) string {
	r := strings.NewReplacer("/", "-", ":", "-", ".", "-")
	return r.Replace(target)
}

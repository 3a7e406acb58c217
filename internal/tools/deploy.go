package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChamsBouzaiene/forge/internal/engine"
	"github.com/ChamsBouzaiene/forge/internal/knowledge"
	"github.com/ChamsBouzaiene/forge/internal/providers"
	"github.com/ChamsBouzaiene/forge/internal/resilience"
)

// DeploymentDocPath holds the outcome of the last deployment.
const DeploymentDocPath = "/deployment/result"

type deployArgs struct {
	ProjectName string `json:"project_name"`
}

func deployTool() *engine.Tool {
	return &engine.Tool{
		Name:        string(Deploy),
		Description: "Deploy every project file written with write_file. Returns the public URL. Call it once, after verification passed.",
		SchemaJSON:  `{"type":"object","properties":{"project_name":{"type":"string","description":"Overrides the session project name"}},"additionalProperties":false}`,
	}
}

// CollectArtifacts returns every project file in the store.
func CollectArtifacts(store *knowledge.Store) []providers.Artifact {
	var out []providers.Artifact
	for _, p := range store.ListPaths(FilesPrefix) {
		doc, err := store.Read(p, 0)
		if err != nil {
			continue
		}
		out = append(out, providers.Artifact{Path: FileRelPath(p), Content: []byte(doc.Content)})
	}
	return out
}

func (r *Router) deploy(ctx context.Context, a deployArgs) (any, error) {
	name := a.ProjectName
	if name == "" {
		name = r.deps.ProjectName
	}
	if name == "" {
		return nil, errors.New("project name is required")
	}
	artifacts := CollectArtifacts(r.deps.Store)
	if len(artifacts) == 0 {
		return nil, errors.New("nothing to deploy: no files were written")
	}

	dep, err := resilience.Do(ctx, r.deps.Guard, ResourceDeploy, func(ctx context.Context) (providers.Deployment, error) {
		return r.deps.Deployer.Deploy(ctx, name, artifacts)
	})
	if err != nil {
		return nil, fmt.Errorf("deploy failed: %w", err)
	}

	out := map[string]any{"deploymentId": dep.ID, "url": dep.URL, "files": len(artifacts)}
	b, _ := json.Marshal(out)
	if _, err := r.deps.Store.Write(DeploymentDocPath, string(b), knowledge.WriteOptions{Author: r.deps.Agent}); err != nil {
		return nil, err
	}
	return out, nil
}

// DPROD Deployment Job
// Wire format for deployment jobs handed from the orchestrator to workers
// over SQS. The message is self-contained: a worker needs nothing but this
// payload and the database row to run the whole pipeline.

// Package job defines the deployment job message format.
package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"dprod/internal/detect"
)

// Message is a single deployment job. ProjectFiles carries the bundle as
// base64-encoded content keyed by relative path so the job fits in one
// queue message.
type Message struct {
	DeploymentID      string            `json:"deployment_id"`
	ProjectID         string            `json:"project_id"`
	ProjectName       string            `json:"project_name"`
	ProjectFiles      map[string]string `json:"project_files"`
	DockerfileContent string            `json:"dockerfile_content,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	Ports             map[string]int    `json:"ports,omitempty"`
	Config            detect.Config     `json:"config"`
	AIVerified        bool              `json:"ai_verified,omitempty"`
	DecisionID        string            `json:"decision_id,omitempty"`
	WorkerPublicIP    string            `json:"worker_public_ip,omitempty"`
}

// Decode parses a queue message body. A body that parses but lacks a
// deployment ID is invalid: the worker drops such messages instead of
// retrying them.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode job message: %w", err)
	}
	if m.DeploymentID == "" {
		return nil, errors.New("job message missing deployment_id")
	}
	if len(m.ProjectFiles) == 0 {
		return nil, fmt.Errorf("job %s has no project files", m.DeploymentID)
	}
	return &m, nil
}

// Encode serializes the message for sending.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	return body, nil
}

// Port returns the container port the job's app listens on, falling back
// through the legacy ports map to the platform default.
func (m *Message) Port() int {
	if m.Config.Port > 0 {
		return m.Config.Port
	}
	for _, p := range m.Ports {
		if p > 0 {
			return p
		}
	}
	return 3000
}

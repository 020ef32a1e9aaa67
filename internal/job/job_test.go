package job

import (
	"testing"

	"dprod/internal/detect"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	in := &Message{
		DeploymentID: "dep-1",
		ProjectID:    "proj-1",
		ProjectName:  "demo",
		ProjectFiles: map[string]string{"package.json": "e30="},
		Environment:  map[string]string{"NODE_ENV": "production"},
		Config: detect.Config{
			Type:         detect.TechNodeJS,
			StartCommand: "node server.js",
			Port:         3000,
		},
	}

	body, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "dep-1", out.DeploymentID)
	assert.Equal(t, "demo", out.ProjectName)
	assert.Equal(t, detect.TechNodeJS, out.Config.Type)
	assert.Equal(t, "e30=", out.ProjectFiles["package.json"])
}

func TestDecodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"missing deployment_id", `{"project_name":"demo","project_files":{"a":"b"}}`},
		{"no project files", `{"deployment_id":"dep-1","project_name":"demo"}`},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestPortFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want int
	}{
		{"config port wins", Message{Config: detect.Config{Port: 8000}, Ports: map[string]int{"3000": 3000}}, 8000},
		{"legacy ports map", Message{Ports: map[string]int{"5000": 5000}}, 5000},
		{"default", Message{}, 3000},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.msg.Port())
		})
	}
}

package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Merge Tests
// =============================================================================

func mergeYAML(t *testing.T, contents ...string) map[string]any {
	t.Helper()
	trees := make([]map[string]any, 0, len(contents))
	for i, content := range contents {
		doc, err := ParseDocument("compose.yaml", []byte(content))
		require.NoError(t, err, "document %d", i)
		tree, _, err := Normalize(doc)
		require.NoError(t, err, "document %d", i)
		trees = append(trees, tree)
	}
	merged, err := Merge(trees)
	require.NoError(t, err)
	return merged
}

func TestMerge_NoDocuments(t *testing.T) {
	_, err := Merge(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestMerge_SingleDocumentPassesThrough(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
`)
	web := serviceTree(t, merged, "web")
	assert.Equal(t, "nginx", web["image"])
}

func TestMerge_ScalarOverride(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx:1.24
    restart: always
`, `
services:
  web:
    image: nginx:1.25
`)
	web := serviceTree(t, merged, "web")
	assert.Equal(t, "nginx:1.25", web["image"])
	assert.Equal(t, "always", web["restart"])
}

func TestMerge_CommandReplacesNotAppends(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    command: [run, --dev]
`, `
services:
  web:
    image: nginx
    command: [run, --prod]
`)
	web := serviceTree(t, merged, "web")
	assert.Equal(t, []any{"run", "--prod"}, web["command"])
}

func TestMerge_EnvironmentMergesKeyWise(t *testing.T) {
	merged := mergeYAML(t, `
services:
  db:
    image: postgres
    environment:
      POSTGRES_DB: app
      POSTGRES_USER: app
`, `
services:
  db:
    image: postgres
    environment:
      POSTGRES_USER: admin
      POSTGRES_PASSWORD: secret
`)
	db := serviceTree(t, merged, "db")
	assert.Equal(t, map[string]any{
		"POSTGRES_DB":       "app",
		"POSTGRES_USER":     "admin",
		"POSTGRES_PASSWORD": "secret",
	}, db["environment"])
}

func TestMerge_PortsAppend(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: ["80:80"]
`, `
services:
  web:
    image: nginx
    ports: ["443:443"]
`)
	web := serviceTree(t, merged, "web")
	ports := web["ports"].([]any)
	require.Len(t, ports, 2)
	assert.Equal(t, "80", ports[0].(map[string]any)["published"])
	assert.Equal(t, "443", ports[1].(map[string]any)["published"])
}

func TestMerge_ResetReplacesAppendField(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: ["80:80", "443:443"]
`, `
services:
  web:
    image: nginx
    ports: !reset ["8080:80"]
`)
	web := serviceTree(t, merged, "web")
	ports := web["ports"].([]any)
	require.Len(t, ports, 1)
	assert.Equal(t, "8080", ports[0].(map[string]any)["published"])
}

func TestMerge_ResetWithEmptyValueClearsField(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: ["80:80"]
`, `
services:
  web:
    image: nginx
    ports: !reset []
`)
	web := serviceTree(t, merged, "web")
	_, present := web["ports"]
	assert.False(t, present)
}

func TestMerge_ResetInSingleDocumentKeepsValue(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: !reset ["8080:80"]
`)
	web := serviceTree(t, merged, "web")
	ports, ok := web["ports"].([]any)
	require.True(t, ok, "reset marker must not survive the merge")
	require.Len(t, ports, 1)
	assert.Equal(t, "8080", ports[0].(map[string]any)["published"])
}

func TestMerge_ResetOnServiceOnlyInOverride(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
`, `
services:
  api:
    image: httpd
    ports: !reset ["9090:80"]
`)
	api := serviceTree(t, merged, "api")
	ports, ok := api["ports"].([]any)
	require.True(t, ok, "reset marker must not survive the merge")
	require.Len(t, ports, 1)
	assert.Equal(t, "9090", ports[0].(map[string]any)["published"])
}

func TestMerge_ResetInBaseThenAppend(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: !reset ["80:80"]
`, `
services:
  web:
    ports: ["443:443"]
`)
	// The base reset had nothing earlier to discard; the override appends.
	web := serviceTree(t, merged, "web")
	ports := web["ports"].([]any)
	require.Len(t, ports, 2)
	assert.Equal(t, "80", ports[0].(map[string]any)["published"])
	assert.Equal(t, "443", ports[1].(map[string]any)["published"])
}

func TestMerge_ResetEmptyInSingleDocumentDropsField(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    ports: !reset []
`)
	web := serviceTree(t, merged, "web")
	_, present := web["ports"]
	assert.False(t, present)
}

func TestMerge_DependsOnMergesKeyWise(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
    depends_on: [db]
`, `
services:
  web:
    image: nginx
    depends_on:
      db:
        condition: service_healthy
      cache:
`)
	web := serviceTree(t, merged, "web")
	deps := web["depends_on"].(map[string]any)
	assert.Equal(t, "service_healthy", deps["db"].(map[string]any)["condition"])
	assert.Equal(t, "service_started", deps["cache"].(map[string]any)["condition"])
}

func TestMerge_NewServiceAdded(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
`, `
services:
  worker:
    image: worker:1
`)
	services := merged["services"].(map[string]any)
	assert.Len(t, services, 2)
}

func TestMerge_TopLevelResourcesMerge(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx
networks:
  frontend:
    driver: bridge
`, `
networks:
  frontend:
    internal: true
  backend:
`)
	networks := merged["networks"].(map[string]any)
	frontend := networks["frontend"].(map[string]any)
	assert.Equal(t, "bridge", frontend["driver"])
	assert.Equal(t, "true", frontend["internal"])
	_, present := networks["backend"]
	assert.True(t, present)
}

func TestMerge_BuildMappingOverShortForm(t *testing.T) {
	merged := mergeYAML(t, `
services:
  app:
    build: ./app
`, `
services:
  app:
    build:
      dockerfile: Dockerfile.prod
`)
	app := serviceTree(t, merged, "app")
	build := app["build"].(map[string]any)
	assert.Equal(t, "./app", build["context"])
	assert.Equal(t, "Dockerfile.prod", build["dockerfile"])
}

func TestMerge_IncompatibleShapes(t *testing.T) {
	base := map[string]any{
		"services": map[string]any{
			"web": map[string]any{"environment": map[string]any{"A": "1"}},
		},
	}
	override := map[string]any{
		"services": map[string]any{
			"web": map[string]any{"environment": "not-a-mapping"},
		},
	}

	_, err := Merge([]map[string]any{base, override})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatibleShapes)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "services.web.environment", ve.Field)
}

func TestMerge_ThreeDocumentsFoldLeftToRight(t *testing.T) {
	merged := mergeYAML(t, `
services:
  web:
    image: nginx:1
`, `
services:
  web:
    image: nginx:2
`, `
services:
  web:
    image: nginx:3
`)
	web := serviceTree(t, merged, "web")
	assert.Equal(t, "nginx:3", web["image"])
}

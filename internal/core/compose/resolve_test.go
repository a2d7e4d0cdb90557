package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/podstack/internal/core/interpolate"
)

// =============================================================================
// Resolve Tests
// =============================================================================

func resolveYAML(t *testing.T, env map[string]string, contents ...string) *Project {
	t.Helper()
	project, _, err := resolveYAMLErr(env, contents...)
	require.NoError(t, err)
	return project
}

func resolveYAMLErr(env map[string]string, contents ...string) (*Project, []string, error) {
	docs := make([]*RawDocument, 0, len(contents))
	for _, content := range contents {
		doc, err := ParseDocument("compose.yaml", []byte(content))
		if err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
	}
	return Resolve(docs, interpolate.MapLookup(env))
}

func TestResolve_MinimalProject(t *testing.T) {
	project := resolveYAML(t, nil, `
name: blog
services:
  web:
    image: nginx:alpine
`)
	assert.Equal(t, "blog", project.Name)
	require.Contains(t, project.Services, "web")
	assert.Equal(t, "nginx:alpine", project.Services["web"].Image)
}

func TestResolve_ResetInLoneDocumentKeepsPorts(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx
    ports: !reset ["8080:80"]
`)
	ports := project.Services["web"].Ports
	require.Len(t, ports, 1)
	assert.Equal(t, 8080, ports[0].Published)
	assert.Equal(t, 80, ports[0].Target)
}

func TestResolve_ProjectNameExportedToBody(t *testing.T) {
	project := resolveYAML(t, map[string]string{"TIER": "prod"}, `
name: blog-${TIER}
services:
  web:
    image: nginx
    environment:
      STACK: ${COMPOSE_PROJECT_NAME}
`)
	assert.Equal(t, "blog-prod", project.Name)
	env := project.Services["web"].Environment
	require.Contains(t, env, "STACK")
	assert.Equal(t, "blog-prod", *env["STACK"])
}

func TestResolve_ProjectNameEnvironmentWins(t *testing.T) {
	project := resolveYAML(t, map[string]string{"COMPOSE_PROJECT_NAME": "fromenv"}, `
name: documented
services:
  web:
    image: nginx
    environment:
      STACK: ${COMPOSE_PROJECT_NAME}
`)
	// The document name is untouched; only the variable defers to the env.
	assert.Equal(t, "documented", project.Name)
	assert.Equal(t, "fromenv", *project.Services["web"].Environment["STACK"])
}

func TestResolve_FullService(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  db:
    image: postgres:16
    container_name: mydb
    restart: unless-stopped
    stop_grace_period: 30s
    environment:
      POSTGRES_DB: app
      POSTGRES_PASSWORD:
    ports:
      - "127.0.0.1:5432:5432"
    volumes:
      - pgdata:/var/lib/postgresql/data
    healthcheck:
      test: pg_isready
      interval: 5s
      retries: 3
    mem_limit: 512m
    cpus: "1.5"
volumes:
  pgdata:
`)
	db := project.Services["db"]
	require.NotNil(t, db)

	assert.Equal(t, "mydb", db.ContainerName)
	assert.Equal(t, "unless-stopped", db.Restart)
	assert.Equal(t, 30*time.Second, db.StopGracePeriod)

	require.NotNil(t, db.Environment)
	assert.Equal(t, "app", *db.Environment["POSTGRES_DB"])
	assert.Nil(t, db.Environment["POSTGRES_PASSWORD"])

	require.Len(t, db.Ports, 1)
	assert.Equal(t, Port{Target: 5432, Published: 5432, HostIP: "127.0.0.1", Protocol: "tcp"}, db.Ports[0])

	require.Len(t, db.Volumes, 1)
	assert.Equal(t, VolumeMountTypeVolume, db.Volumes[0].Type)
	assert.Equal(t, "pgdata", db.Volumes[0].Source)

	require.NotNil(t, db.Healthcheck)
	assert.Equal(t, []string{"CMD-SHELL", "pg_isready"}, db.Healthcheck.Test)
	assert.Equal(t, 5*time.Second, db.Healthcheck.Interval)
	assert.Equal(t, 3, db.Healthcheck.Retries)

	assert.Equal(t, int64(512<<20), db.Resources.MemoryLimit)
	assert.Equal(t, 1.5, db.Resources.CPULimit)

	require.Contains(t, project.Volumes, "pgdata")
}

func TestResolve_InterpolationAcrossShorthand(t *testing.T) {
	env := map[string]string{"WEB_PORT": "8080", "TAG": "1.25"}
	project := resolveYAML(t, env, `
services:
  web:
    image: nginx:${TAG}
    ports:
      - "${WEB_PORT:-80}:80"
`)
	web := project.Services["web"]
	assert.Equal(t, "nginx:1.25", web.Image)
	require.Len(t, web.Ports, 1)
	assert.Equal(t, 8080, web.Ports[0].Published)
	assert.Equal(t, 80, web.Ports[0].Target)
}

func TestResolve_InterpolationDefaultApplies(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx
    ports:
      - "${WEB_PORT:-80}:80"
`)
	assert.Equal(t, 80, project.Services["web"].Ports[0].Published)
}

func TestResolve_RequiredVariableFails(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  db:
    image: postgres
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD:?set DB_PASSWORD}
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, interpolate.ErrRequiredVariable)
	assert.Contains(t, err.Error(), "set DB_PASSWORD")
}

func TestResolve_OverrideLayering(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx:1.24
    ports: ["80:80"]
    environment:
      MODE: dev
`, `
services:
  web:
    image: nginx:1.25
    ports: ["443:443"]
    environment:
      MODE: prod
      EXTRA: "1"
`)
	web := project.Services["web"]
	assert.Equal(t, "nginx:1.25", web.Image)
	assert.Len(t, web.Ports, 2)
	assert.Equal(t, "prod", *web.Environment["MODE"])
	assert.Equal(t, "1", *web.Environment["EXTRA"])
}

func TestResolve_NoServices(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
name: empty
services: {}
`)
	assert.ErrorIs(t, err, ErrNoServices)
}

func TestResolve_ServiceWithoutImageOrBuild(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  web:
    restart: always
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceNoImage)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "services.web", ve.Field)
}

func TestResolve_BuildWithoutImageAllowed(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  app:
    build: .
`)
	require.NotNil(t, project.Services["app"].Build)
	assert.Equal(t, ".", project.Services["app"].Build.Context)
}

func TestResolve_HostNetworkModeWithPorts(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  web:
    image: nginx
    network_mode: host
    ports: ["80:80"]
`)
	assert.ErrorIs(t, err, ErrHostModePorts)
}

func TestResolve_PortOutOfRange(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  web:
    image: nginx
    ports: ["70000:80000"]
`)
	assert.ErrorIs(t, err, ErrServiceInvalidPort)
}

func TestResolve_ExternalNetworkWithAttributes(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  web:
    image: nginx
networks:
  shared:
    external: true
    driver: bridge
`)
	assert.ErrorIs(t, err, ErrExternalAttributes)
}

func TestResolve_ExternalVolumeBareIsValid(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx
volumes:
  data:
    external: true
`)
	require.Contains(t, project.Volumes, "data")
	assert.True(t, project.Volumes["data"].External)
}

func TestResolve_DependsOnConditions(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx
    depends_on:
      db:
        condition: service_healthy
      migrate:
        condition: service_completed_successfully
      cache: {}
  db:
    image: postgres
  migrate:
    image: migrate
  cache:
    image: redis
`)
	deps := project.Services["web"].DependsOn
	assert.Equal(t, ConditionHealthy, deps["db"].Condition)
	assert.Equal(t, ConditionCompletedSuccessfully, deps["migrate"].Condition)
	assert.Equal(t, ConditionStarted, deps["cache"].Condition)
}

func TestResolve_UnknownDependsOnCondition(t *testing.T) {
	_, _, err := resolveYAMLErr(nil, `
services:
  web:
    image: nginx
    depends_on:
      db:
        condition: service_levitating
  db:
    image: postgres
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_levitating")
}

func TestResolve_WarningsSurface(t *testing.T) {
	_, warnings, err := resolveYAMLErr(nil, `
services:
  web:
    image: nginx
    not_a_real_field: true
`)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "not_a_real_field")
}

func TestResolve_DeployResourceLimits(t *testing.T) {
	project := resolveYAML(t, nil, `
services:
  web:
    image: nginx
    deploy:
      resources:
        limits:
          cpus: "0.5"
          memory: 256m
        reservations:
          memory: 128m
`)
	resources := project.Services["web"].Resources
	assert.Equal(t, 0.5, resources.CPULimit)
	assert.Equal(t, int64(256<<20), resources.MemoryLimit)
	assert.Equal(t, int64(128<<20), resources.MemoryReservation)
}

// =============================================================================
// Condition Tests
// =============================================================================

func TestCondition_Stricter(t *testing.T) {
	assert.True(t, ConditionHealthy.Stricter(ConditionStarted))
	assert.True(t, ConditionCompletedSuccessfully.Stricter(ConditionHealthy))
	assert.False(t, ConditionStarted.Stricter(ConditionHealthy))
	assert.False(t, ConditionStarted.Stricter(ConditionStarted))
}

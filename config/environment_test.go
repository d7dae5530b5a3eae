package config

import "testing"

func TestAppEnvironmentAliases(t *testing.T) {
	cases := map[string]string{
		"":           environmentDevelopment,
		"prod":       environmentProduction,
		"PROD":       environmentProduction,
		"stag":       environmentStaging,
		"dev":        environmentDevelopment,
		"production": environmentProduction,
		"custom":     "custom",
	}
	for raw, want := range cases {
		t.Setenv(appEnvVar, raw)
		if got := getAppEnvironment(); got != want {
			t.Errorf("APP_ENV=%q: got %q, want %q", raw, got, want)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(EnvironmentProduction) || !IsProductionLike(EnvironmentStaging) {
		t.Error("production and staging must be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development must not be production-like")
	}
}

func TestResolveEnvSpecificPathRespectsExplicitPath(t *testing.T) {
	t.Setenv(appEnvVar, "production")
	got := resolveEnvSpecificPath("/etc/stockflow/custom.yml", DefaultConfigPath)
	if got != "/etc/stockflow/custom.yml" {
		t.Errorf("explicit path overridden: %s", got)
	}
}

func TestResolveEnvSpecificPathFallsBack(t *testing.T) {
	// No config.production.yml exists next to the default path here, so the
	// default should survive.
	t.Setenv(appEnvVar, "production")
	got := resolveEnvSpecificPath(DefaultConfigPath, DefaultConfigPath)
	if got != DefaultConfigPath {
		t.Errorf("fallback failed: %s", got)
	}
}

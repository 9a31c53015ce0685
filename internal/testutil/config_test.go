package testutil

import "testing"

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults to local test database on 55432", func(t *testing.T) {
		for _, key := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(key, "")
		}

		cfg := DefaultTestDBConfig()

		want := TestDBConfig{
			Host:     "localhost",
			Port:     "55432",
			User:     "crudefn",
			Password: "crudefn",
			DBName:   "crudefn",
		}
		if cfg != want {
			t.Errorf("DefaultTestDBConfig() = %+v, want %+v", cfg, want)
		}
	})

	t.Run("respects TEST_DB_* environment variables", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		t.Setenv("TEST_DB_USER", "ci")
		t.Setenv("TEST_DB_PASSWORD", "ci-secret")
		t.Setenv("TEST_DB_NAME", "crudefn_ci")

		cfg := DefaultTestDBConfig()

		want := TestDBConfig{
			Host:     "postgres",
			Port:     "5432",
			User:     "ci",
			Password: "ci-secret",
			DBName:   "crudefn_ci",
		}
		if cfg != want {
			t.Errorf("DefaultTestDBConfig() = %+v, want %+v", cfg, want)
		}
	})
}

func TestEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"yes", true},
		{"y", true},
		{"0", false},
		{"false", false},
		{"", false},
		{"maybe", false},
	}

	for _, tt := range tests {
		t.Run("value="+tt.value, func(t *testing.T) {
			t.Setenv("TEST_ENVBOOL_PROBE", tt.value)
			if got := envBool("TEST_ENVBOOL_PROBE"); got != tt.want {
				t.Errorf("envBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

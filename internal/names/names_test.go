package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"feature/new-UI":  "feature-new-ui",
		"Fix_Bug#42":      "fix-bug-42",
		"main":            "main",
		"PR-123":          "pr-123",
		"über-branch":     "-ber-branch",
		"already-clean-1": "already-clean-1",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeIdentifier(in), "input %q", in)
	}
}

func TestSanitizeIdentifierIdempotent(t *testing.T) {
	inputs := []string{"feature/new-UI", "Fix_Bug#42", "über-branch", "a b c", "X"}
	for _, in := range inputs {
		once := SanitizeIdentifier(in)
		assert.Equal(t, once, SanitizeIdentifier(once), "input %q", in)
	}
}

func TestSanitizeIdentifierAlphabet(t *testing.T) {
	out := SanitizeIdentifier("Some/Very_Weird@@Branch名前!!")
	for _, r := range out {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		assert.True(t, ok, "character %q escaped sanitization in %q", r, out)
	}
}

func TestSanitizeUsername(t *testing.T) {
	assert.Equal(t, "kennel-myapp-feature-x-api", SanitizeUsername("myapp", "Feature/X", "api"))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "api-feature-login.myapp.example.org",
		Domain("api", "feature/login", "myapp", "example.org"))
}

func TestEnvironment(t *testing.T) {
	assert.Equal(t, "prod", Environment("main"))
	assert.Equal(t, "staging", Environment("staging"))
	assert.Equal(t, "dev", Environment("dev"))
	assert.Equal(t, "preview", Environment("pr-42"))
	assert.Equal(t, "dev", Environment("feature/anything"))
	assert.Equal(t, "dev", Environment("production"))
}

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "my_app_feature_login", DatabaseName("my-app", "feature-login"))
}

func TestValidServiceName(t *testing.T) {
	assert.True(t, ValidServiceName("api"))
	assert.True(t, ValidServiceName("web-2"))
	assert.False(t, ValidServiceName(""))
	assert.False(t, ValidServiceName("Api"))
	assert.False(t, ValidServiceName("a_b"))
}

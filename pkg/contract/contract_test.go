package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedManifestPassesSelfTest(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", c.Version())
	assert.False(t, c.Ready(), "not ready before self-test")

	report := c.SelfTest()
	assert.True(t, report.Passed, "%+v", report.Checks)
	assert.Len(t, report.Checks, len(RequiredOperations)*2)
	assert.True(t, c.Ready())
	require.NotNil(t, c.LastReport())
}

func TestValidate_ExecuteResponse(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	issues, err := c.Validate("execute", Response, []byte(`{"final_status":"completed","logs":[]}`))
	require.NoError(t, err)
	assert.Empty(t, issues)

	issues, err = c.Validate("execute", Response, []byte(`{"final_status":"exploded"}`))
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, "final_status", issues[0].Path)

	issues, err = c.Validate("execute", Response, []byte(`not json`))
	require.NoError(t, err)
	assert.NotEmpty(t, issues)

	_, err = c.Validate("teleport", Request, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestSelfTest_MissingOperation(t *testing.T) {
	c, err := Parse([]byte(`{
		// only execute is defined
		"contract_version": "0.1.0",
		"operations": {
			"execute": {"request": {"type": "object"}, "response": {"type": "object"}},
		},
		"samples": {"execute.request": {}, "execute.response": {}},
	}`))
	require.NoError(t, err)

	report := c.SelfTest()
	assert.False(t, report.Passed)
	assert.False(t, c.Ready())

	failed := 0
	for _, check := range report.Checks {
		if !check.Passed {
			failed++
		}
	}

	assert.Equal(t, 6, failed)
}

func TestSelfTest_SampleRejected(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	c.samples["execute.response"] = []byte(`{"final_status":"maybe"}`)

	assert.False(t, c.SelfTest().Passed)
	assert.False(t, c.Ready())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`{`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"operations": {}}`))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.jsonc")
	require.NoError(t, os.WriteFile(path, embeddedManifest, 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, c.SelfTest().Passed)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.jsonc"))
	assert.Error(t, err)
}

package minio

import (
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	err := Config{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint, access_key, secret_key, bucket")

	assert.NoError(t, Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "artifacts"}.Validate())
}

func TestNewArtifactStoreWithClient(t *testing.T) {
	_, err := NewArtifactStoreWithClient(nil, "artifacts", "")
	assert.Error(t, err)

	client, err := minio.New("localhost:9000", &minio.Options{})
	require.NoError(t, err)

	store, err := NewArtifactStoreWithClient(client, "artifacts", "/labrun/")
	require.NoError(t, err)
	assert.Equal(t, "labrun/records/artifacts/EXR-000001/telemetry.csv", store.key("records/artifacts/EXR-000001/telemetry.csv"))
	assert.Equal(t, "labrun/etc/passwd", store.key("../../etc/passwd"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/xml", contentType("robot-plans/RP-000001/protocol.xml"))
	assert.Equal(t, "text/csv", contentType("telemetry.CSV"))
	assert.Equal(t, "application/octet-stream", contentType("raw.log"))
}

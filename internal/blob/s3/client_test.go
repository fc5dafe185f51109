package s3blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "https://minio.internal", endpointURL("minio.internal", true))
	assert.Equal(t, "http://already:9000", endpointURL("http://already:9000", true))
}

func TestObjectKey(t *testing.T) {
	bare := &Client{}
	assert.Equal(t, "challenges/2026/01/02/c1.json", bare.objectKey("/challenges/2026/01/02/c1.json"))

	prefixed := &Client{prefix: "prod"}
	assert.Equal(t, "prod/manifests/m.ndjson", prefixed.objectKey("manifests/m.ndjson"))
}

package vars

import (
	"runtime"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	i := Info()
	assert.Equal(t, Name, i.Name)
	assert.Equal(t, runtime.Version(), i.GoVersion)
	assert.Equal(t, License, i.License)
	assert.LessOrEqual(t, len(i.CommitShort), 7)

	data, err := json.Marshal(i)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"name", "version", "commit", "go_version", "url", "license"} {
		assert.Contains(t, fields, key)
	}
}

func TestCommitShort(t *testing.T) {
	saved := Commit
	t.Cleanup(func() { Commit = saved })

	Commit = "da15c174cd2ada1ad247906536c101e8f6799def"
	assert.Equal(t, "da15c17", CommitShort())

	Commit = "abc"
	assert.Equal(t, "abc", CommitShort())
}

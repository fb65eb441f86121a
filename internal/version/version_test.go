package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	assert.Equal(t, Version, Full())

	origBuild, origCommit := BuildTime, GitCommit
	t.Cleanup(func() { BuildTime, GitCommit = origBuild, origCommit })

	BuildTime = "2026-03-01"
	GitCommit = "abcdef"
	assert.Equal(t, Version+" (commit: abcdef, built: 2026-03-01)", Full())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "BookGuard/"+Version, UserAgent())
}

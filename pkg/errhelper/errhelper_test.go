package errhelper_test

import (
	"testing"

	"github.com/opsassist/opsai/pkg/errhelper"
	"github.com/stretchr/testify/assert"
)

func TestSuggest_KnownPatterns(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"Error: address already in use: 0.0.0.0:8080", "port"},
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", "docker"},
		{"open /etc/shadow: permission denied", "permission"},
	}
	for _, c := range cases {
		got := errhelper.Suggest(c.message)
		assert.NotEmpty(t, got)
		assert.Contains(t, got, c.want)
	}
}

func TestSuggest_UnknownPatternReturnsEmpty(t *testing.T) {
	assert.Empty(t, errhelper.Suggest("totally novel failure mode nobody anticipated"))
}

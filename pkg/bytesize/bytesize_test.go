package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"1.5 GB", GB + GB/2},
		{"2Mi", 2 * MB},
		{"1tb", TB},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "-5MB", "10XB"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "2.50 MB", Format(2*MB+MB/2))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var v struct {
		Limit Size `yaml:"limit"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("limit: 500Mi"), &v))
	assert.Equal(t, 500*MB, v.Limit.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("limit: 4096"), &v))
	assert.Equal(t, int64(4096), v.Limit.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("limit: [1,2]"), &v))
}

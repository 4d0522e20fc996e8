package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHash(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty body", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"page body", "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	h := New()
	for _, tc := range cases {
		got, err := h.Hash([]byte(tc.body))
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestHasherDistinguishesBodies(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("<html><body>one</body></html>"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("<html><body>two</body></html>"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 64)
}

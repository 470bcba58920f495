package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Success(t *testing.T) {
	a, err := NewTestAEAD()
	require.NoError(t, err)

	assert.NoError(t, Validate(a))
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name     string
		aead     *fakeAEAD
		expected string
	}{
		{"encrypt", &fakeAEAD{encryptErr: errors.New("encrypt broken")}, "validation encrypt failed"},
		{"decrypt", &fakeAEAD{decryptErr: errors.New("decrypt broken")}, "validation decrypt failed"},
		{"mismatch", &fakeAEAD{decryptOverride: []byte("wrong data")}, "validation round-trip failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.aead)
			assert.ErrorContains(t, err, tc.expected)
		})
	}
}

func TestKeysetFile_RoundTrip(t *testing.T) {
	path := writeKeyset(t, t.TempDir())

	a, err := NewAEADFromFile(path)
	require.NoError(t, err)

	ct, err := a.Encrypt([]byte("token"), []byte("session.accessToken"))
	require.NoError(t, err)

	again, err := NewAEADFromFile(path)
	require.NoError(t, err)

	pt, err := again.Decrypt(ct, []byte("session.accessToken"))
	require.NoError(t, err)
	assert.Equal(t, "token", string(pt))
}

func TestNewAEADFromFile_Missing(t *testing.T) {
	_, err := NewAEADFromFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "opening keyset")
}

func TestNewAEADFromReader_Garbage(t *testing.T) {
	_, err := NewAEADFromReader(strings.NewReader(`{"not":"a keyset"}`))
	assert.ErrorContains(t, err, "reading keyset")
}

func writeKeyset(t *testing.T, dir string) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, WriteNewKeyset(&buf))

	path := filepath.Join(dir, "keyset.json")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

type fakeAEAD struct {
	encryptErr      error
	decryptErr      error
	decryptOverride []byte
}

func (f *fakeAEAD) Encrypt(plaintext, _ []byte) ([]byte, error) {
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	return plaintext, nil
}

func (f *fakeAEAD) Decrypt(ciphertext, _ []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	if f.decryptOverride != nil {
		return f.decryptOverride, nil
	}
	return ciphertext, nil
}

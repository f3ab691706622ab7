package tokenstore

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, path string, enc *Encryption) *Store {
	t.Helper()
	return New(Options{
		Path:       path,
		Encryption: enc,
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Now:        func() time.Time { return fixedNow },
	})
}

func TestPutGetSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, nil)

	rec := Record{
		AccessToken:  "A1",
		RefreshToken: "R1",
		TokenType:    "Bearer",
		Scope:        "openid email",
		Extra:        map[string]any{"id_token": "xyz"},
	}
	require.NoError(t, s.Put("a@x.com", rec))

	got, ok := s.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "A1", got.AccessToken)
	assert.Equal(t, "a@x.com", got.Identity)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.Equal(t, fixedNow, got.UpdatedAt)

	reopened := newTestStore(t, path, nil)
	again, ok := reopened.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, got.AccessToken, again.AccessToken)
	assert.Equal(t, got.RefreshToken, again.RefreshToken)
	assert.Equal(t, got.Scope, again.Scope)
	assert.Equal(t, "xyz", again.Extra["id_token"])
	assert.True(t, again.Expiry.IsZero())
}

func TestPutValidation(t *testing.T) {
	s := newTestStore(t, "", nil)

	assert.ErrorIs(t, s.Put("", Record{AccessToken: "A"}), ErrEmptyIdentity)
	assert.ErrorIs(t, s.Put("a@x.com", Record{RefreshToken: "R"}), ErrMissingAccessToken)
	assert.Equal(t, 0, s.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t, "", nil)
	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "A", Extra: map[string]any{"k": "v"}}))

	got, _ := s.Get("a@x.com")
	got.AccessToken = "mutated"
	got.Extra["k"] = "mutated"

	again, _ := s.Get("a@x.com")
	assert.Equal(t, "A", again.AccessToken)
	assert.Equal(t, "v", again.Extra["k"])
}

func TestLoadFailSoft(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"malformed json", "{not json", 0},
		{"wrong shape", `["a", "b"]`, 0},
		{"one bad record", `{"a@x.com": {"access_token": "A"}, "b@x.com": "oops"}`, 1},
		{"record without access token", `{"a@x.com": {"refresh_token": "R"}}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tokens.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			s := newTestStore(t, path, nil)
			assert.Equal(t, tt.want, s.Len())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "absent.json"), nil)
	assert.Empty(t, s.Load())
}

func TestLoadLegacySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	legacy := `{
  "a@x.com": {
    "access_token": "ya29.A",
    "expires_in": 3599,
    "refresh_token": "1//R",
    "scope": "openid https://www.googleapis.com/auth/gmail.readonly",
    "token_type": "Bearer",
    "id_token": "eyJ"
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	s := newTestStore(t, path, nil)
	got, ok := s.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.Equal(t, "ya29.A", got.AccessToken)
	assert.Equal(t, "1//R", got.RefreshToken)
	assert.Equal(t, "eyJ", got.Extra["id_token"])
	assert.InDelta(t, 3599, got.Extra["expires_in"], 0)
	// expires_in without an issue time says nothing about absolute expiry
	assert.True(t, got.Expiry.IsZero())
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var logs bytes.Buffer
	s := New(Options{
		Path:   filepath.Join(blocker, "tokens.json"),
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "A"}))
	got, ok := s.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "A", got.AccessToken)
	assert.Contains(t, logs.String(), "Failed to persist token snapshot")

	err := s.Persist()
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "mkdir", perr.Op)
}

func TestDeletePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, nil)
	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "A"}))
	require.NoError(t, s.Put("b@x.com", Record{AccessToken: "B"}))

	assert.True(t, s.Delete("a@x.com"))
	assert.False(t, s.Delete("a@x.com"))

	reopened := newTestStore(t, path, nil)
	assert.Equal(t, []string{"b@x.com"}, reopened.Identities())
}

func TestSnapshotIsIndentedJSONMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, nil)
	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "A", RefreshToken: "R"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"a@x.com\": {")

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "A", decoded["a@x.com"]["access_token"])
	assert.Equal(t, "R", decoded["a@x.com"]["refresh_token"])
	assert.InDelta(t, CurrentVersion, decoded["a@x.com"]["version"], 0)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptedSnapshot(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryption(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, enc)
	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "secret-access", RefreshToken: "secret-refresh"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-access")
	assert.NotContains(t, string(data), "secret-refresh")
	assert.Contains(t, string(data), encryptedPrefix)

	reopened := newTestStore(t, path, enc)
	got, ok := reopened.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "secret-access", got.AccessToken)
	assert.Equal(t, "secret-refresh", got.RefreshToken)

	// without the key the sealed record is not served
	plain := newTestStore(t, path, nil)
	assert.Equal(t, 0, plain.Len())
	assert.Equal(t, []string{"a@x.com"}, plain.Sealed())
}

func TestEncryptedSnapshotSealsIDToken(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryption(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, enc)
	require.NoError(t, s.Put("a@x.com", Record{
		AccessToken: "A",
		Extra:       map[string]any{"id_token": "eyJhbGciOi.payload.sig", "expires_in": float64(3599)},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "eyJhbGciOi")
	assert.Contains(t, string(data), "expires_in")

	mem, _ := s.Get("a@x.com")
	assert.Equal(t, "eyJhbGciOi.payload.sig", mem.Extra["id_token"], "sealing must not touch the in-memory record")

	reopened := newTestStore(t, path, enc)
	got, ok := reopened.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "eyJhbGciOi.payload.sig", got.Extra["id_token"])
}

func TestWrongKeyKeepsSealedRecords(t *testing.T) {
	keyA, err := GenerateKey()
	require.NoError(t, err)
	encA, err := NewEncryption(keyA)
	require.NoError(t, err)
	keyB, err := GenerateKey()
	require.NoError(t, err)
	encB, err := NewEncryption(keyB)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, newTestStore(t, path, encA).Put("alice@example.com", Record{AccessToken: "alice-access", RefreshToken: "alice-refresh"}))

	wrong := newTestStore(t, path, encB)
	assert.Equal(t, 0, wrong.Len())
	assert.Equal(t, []string{"alice@example.com"}, wrong.Sealed())
	require.NoError(t, wrong.Put("bob@example.com", Record{AccessToken: "bob-access"}))
	assert.Equal(t, []string{"bob@example.com"}, wrong.Identities())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "alice-access")

	// bob was sealed with key B, alice is still readable with key A
	right := newTestStore(t, path, encA)
	alice, ok := right.Get("alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "alice-access", alice.AccessToken)
	assert.Equal(t, "alice-refresh", alice.RefreshToken)
	assert.Equal(t, []string{"bob@example.com"}, right.Sealed())
}

func TestPutReplacesSealedRecord(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryption(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, newTestStore(t, path, enc).Put("a@x.com", Record{AccessToken: "old"}))

	plain := newTestStore(t, path, nil)
	require.NoError(t, plain.Put("a@x.com", Record{AccessToken: "new"}))
	assert.Empty(t, plain.Sealed())

	reopened := newTestStore(t, path, nil)
	got, ok := reopened.Get("a@x.com")
	require.True(t, ok)
	assert.Equal(t, "new", got.AccessToken)
}

func TestDeleteDropsSealedRecord(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	enc, err := NewEncryption(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, newTestStore(t, path, enc).Put("a@x.com", Record{AccessToken: "A"}))

	plain := newTestStore(t, path, nil)
	assert.False(t, plain.Delete("a@x.com"), "a sealed record is not a usable credential")
	assert.Empty(t, plain.Sealed())

	assert.Equal(t, 0, newTestStore(t, path, enc).Len())
}

func TestMalformedSnapshotIsMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := newTestStore(t, path, nil)
	require.NoError(t, s.Put("a@x.com", Record{AccessToken: "A"}))

	backup, err := os.ReadFile(path + corruptSuffix)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(backup))
}

func TestConcurrentPutsConverge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s := newTestStore(t, path, nil)

	ids := []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}
	var wg sync.WaitGroup
	for _, id := range ids {
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Put(id, Record{AccessToken: id + string(rune('0'+i))})
			}()
		}
	}
	wg.Wait()

	reopened := newTestStore(t, path, nil)
	assert.Equal(t, ids, reopened.Identities())
	for _, id := range ids {
		mem, _ := s.Get(id)
		disk, _ := reopened.Get(id)
		assert.Equal(t, mem.AccessToken, disk.AccessToken)
	}
}

package pluginvalidator

import (
	"archive/zip"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/pluginstore"
)

const testIssuer = "mimolo-registry"

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return key, pubPEM
}

func signManifest(t *testing.T, key *rsa.PrivateKey, claims ManifestClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func writeArchive(t *testing.T, manifestJWT string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create(manifestEntryName)
	require.NoError(t, err)
	_, err = entry.Write([]byte(manifestJWT))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return path
}

func writeArchiveWithoutManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create("readme.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("no manifest here"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return path
}

func validClaims() ManifestClaims {
	return ManifestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TemplateID: "folderwatch",
		Script:     "agents/folderwatch/main.py",
		Version:    "1.0.0",
	}
}

func TestValidator_ValidateManifestAcceptsCorrectlySignedManifest(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)

	signed := signManifest(t, key, validClaims())
	claims, err := validator.ValidateManifest(signed)
	require.NoError(t, err)
	require.Equal(t, "folderwatch", claims.TemplateID)
	require.Equal(t, "1.0.0", claims.Version)
}

func TestValidator_ValidateManifestRejectsWrongKey(t *testing.T) {
	signingKey, _ := generateKeyPair(t)
	_, otherPubPEM := generateKeyPair(t)
	validator, err := NewValidator(otherPubPEM, testIssuer)
	require.NoError(t, err)

	signed := signManifest(t, signingKey, validClaims())
	_, err = validator.ValidateManifest(signed)
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestValidator_ValidateManifestRejectsWrongIssuer(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)

	claims := validClaims()
	claims.Issuer = "someone-else"
	signed := signManifest(t, key, claims)

	_, err = validator.ValidateManifest(signed)
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestValidator_ValidateManifestRejectsExpiredManifest(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)

	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	signed := signManifest(t, key, claims)

	_, err = validator.ValidateManifest(signed)
	require.ErrorIs(t, err, ErrManifestExpired)
}

func TestReadManifest_MissingEntryReturnsError(t *testing.T) {
	path := writeArchiveWithoutManifest(t)
	_, err := readManifest(path)
	require.Error(t, err)
}

func newTestStore(t *testing.T) pluginstore.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := pluginstore.Open(pluginstore.Config{DSN: filepath.Join(dir, "pluginstore.db"), Logger: zap.NewNop()})
	require.NoError(t, err)
	return pluginstore.NewStore(db)
}

func TestManager_InspectArchiveReportsSignedTrueForValidManifest(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)
	mgr := NewManager(validator, newTestStore(t))

	path := writeArchive(t, signManifest(t, key, validClaims()))
	info, err := mgr.InspectArchive(path)
	require.NoError(t, err)
	require.True(t, info.Signed)
	require.Equal(t, "folderwatch", info.TemplateID)
	require.Equal(t, "1.0.0", info.Version)
}

func TestManager_InspectArchiveReportsSignedFalseForBadSignature(t *testing.T) {
	signingKey, _ := generateKeyPair(t)
	_, otherPubPEM := generateKeyPair(t)
	validator, err := NewValidator(otherPubPEM, testIssuer)
	require.NoError(t, err)
	mgr := NewManager(validator, newTestStore(t))

	path := writeArchive(t, signManifest(t, signingKey, validClaims()))
	info, err := mgr.InspectArchive(path)
	require.NoError(t, err)
	require.False(t, info.Signed)
	require.Equal(t, "folderwatch", info.TemplateID)
}

func TestManager_InspectArchiveFailsWithoutManifestEntry(t *testing.T) {
	_, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)
	mgr := NewManager(validator, newTestStore(t))

	_, err = mgr.InspectArchive(writeArchiveWithoutManifest(t))
	require.Error(t, err)
}

func TestManager_InstallPluginPersistsTemplateAndRejectsSecondInstall(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)
	store := newTestStore(t)
	mgr := NewManager(validator, store)

	path := writeArchive(t, signManifest(t, key, validClaims()))
	require.NoError(t, mgr.InstallPlugin(path))

	tmpl, err := store.Get(context.Background(), "folderwatch")
	require.NoError(t, err)
	require.Equal(t, "agents/folderwatch/main.py", tmpl.Script)
	require.True(t, tmpl.Signed)

	require.Error(t, mgr.InstallPlugin(path))
}

func TestManager_InstallPluginRejectsUnsignedManifest(t *testing.T) {
	signingKey, _ := generateKeyPair(t)
	_, otherPubPEM := generateKeyPair(t)
	validator, err := NewValidator(otherPubPEM, testIssuer)
	require.NoError(t, err)
	mgr := NewManager(validator, newTestStore(t))

	path := writeArchive(t, signManifest(t, signingKey, validClaims()))
	err = mgr.InstallPlugin(path)
	require.ErrorIs(t, err, ErrManifestInvalid)
}

func TestManager_UpgradePluginReplacesExistingTemplate(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validator, err := NewValidator(pubPEM, testIssuer)
	require.NoError(t, err)
	store := newTestStore(t)
	mgr := NewManager(validator, store)

	firstPath := writeArchive(t, signManifest(t, key, validClaims()))
	require.NoError(t, mgr.InstallPlugin(firstPath))

	upgraded := validClaims()
	upgraded.Version = "2.0.0"
	upgraded.Script = "agents/folderwatch/main_v2.py"
	secondPath := writeArchive(t, signManifest(t, key, upgraded))
	require.NoError(t, mgr.UpgradePlugin(secondPath))

	tmpl, err := store.Get(context.Background(), "folderwatch")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", tmpl.Version)
	require.Equal(t, "agents/folderwatch/main_v2.py", tmpl.Script)

	templates, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 1)
}

package publish

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/schererja/starfish/internal/config"
	"github.com/stretchr/testify/require"
)

func TestSuperconfigNoneWritesNoopHook(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "superconf")
	sc, err := NewSuperconfig(dir, config.PublishConfig{Type: config.PublishNone}, []string{"ssh://builder1"}, 100, 200)
	require.NoError(t, err)
	defer sc.Close()

	data, err := os.ReadFile(filepath.Join(sc.Dir(), "post-build.sh"))
	require.NoError(t, err)
	require.Contains(t, string(data), "exit 0")

	info, err := os.Stat(filepath.Join(sc.Dir(), "post-build.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100)

	conf, err := os.ReadFile(filepath.Join(sc.Dir(), "nix", "nix.conf"))
	require.NoError(t, err)
	require.Contains(t, string(conf), "min-free = 100")
	require.Contains(t, string(conf), "max-free = 200")
	require.Contains(t, string(conf), "builders = ssh://builder1")
}

func TestSuperconfigS3WritesCacheURI(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "superconf")
	sc, err := NewSuperconfig(dir, config.PublishConfig{
		Type:          config.PublishS3,
		Bucket:        "my-cache",
		Region:        "us-east-1",
		AccessKey:     "AKID",
		SecretKey:     "SECRET",
		NixSigningKey: "sekrit-signing-key",
	}, nil, 10, 20)
	require.NoError(t, err)
	defer sc.Close()

	data, err := os.ReadFile(filepath.Join(sc.Dir(), "post-build.sh"))
	require.NoError(t, err)
	require.Contains(t, string(data), "s3://my-cache?region=us-east-1&secret-key=")
	require.Contains(t, string(data), "write-nar-listing=1")
	require.Contains(t, string(data), "AKID")

	require.NotEmpty(t, sc.signingKeyFile)
	key, err := os.ReadFile(sc.signingKeyFile)
	require.NoError(t, err)
	require.Equal(t, "sekrit-signing-key", string(key))
}

func TestSuperconfigCloseRemovesArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "superconf")
	sc, err := NewSuperconfig(dir, config.PublishConfig{
		Type: config.PublishS3, Bucket: "b", Region: "r", NixSigningKey: "k",
	}, nil, 1, 2)
	require.NoError(t, err)

	scDir := sc.Dir()
	keyFile := sc.signingKeyFile
	require.NoError(t, sc.Close())

	_, err = os.Stat(scDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(keyFile)
	require.True(t, os.IsNotExist(err))
}

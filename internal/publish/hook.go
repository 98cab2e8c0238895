// Package publish generates the post-build script the package manager
// runs per realized output, and the superconfig directory (nix.conf +
// hook) a build task runs under.
package publish

import (
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/schererja/starfish/internal/config"
)

var noneTemplate = template.Must(template.New("none").Parse(`#!/bin/sh
# no binary cache configured; nothing to publish.
exit 0
`))

var s3Template = template.Must(template.New("s3").Parse(`#!/bin/sh
export AWS_ACCESS_KEY_ID={{.AccessKey}}
export AWS_SECRET_ACCESS_KEY={{.SecretKey}}
exec nix copy --to '{{.CacheURI}}' $OUT_PATHS
`))

var nixConfTemplate = template.Must(template.New("nix.conf").Parse(`min-free = {{.MinFreeBytes}}
max-free = {{.MaxFreeBytes}}
builders = {{.Builders}}
post-build-hook = {{.PostBuildHook}}
`))

type s3Vars struct {
	AccessKey string
	SecretKey string
	CacheURI  string
}

type nixConfVars struct {
	MinFreeBytes  uint64
	MaxFreeBytes  uint64
	Builders      string
	PostBuildHook string
}

// Superconfig is the scoped, task-lifetime HOME directory a build runs
// under: it contains the post-build hook script and a nix/nix.conf that
// points at it, so the package manager's user-level config takes
// precedence over any system config and two concurrent builds never
// clobber each other's hook or disk-pressure settings.
type Superconfig struct {
	dir            string
	signingKeyFile string
}

// NewSuperconfig creates dir (which must not already exist), writes the
// post-build hook selected by cfg and a nix.conf enforcing the given
// disk-pressure bounds into it, and returns a handle whose Close removes
// every artifact. Callers choose dir's name (the worker gives it a random
// uuid suffix, see internal/worker).
func NewSuperconfig(dir string, cfg config.PublishConfig, builders []string, minFree, maxFree uint64) (*Superconfig, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("publish: mkdir superconfig: %w", err)
	}
	sc := &Superconfig{dir: dir}

	hookPath := filepath.Join(dir, "post-build.sh")
	if err := sc.writeHook(hookPath, cfg); err != nil {
		sc.Close()
		return nil, err
	}
	if err := os.Chmod(hookPath, 0o755); err != nil {
		sc.Close()
		return nil, fmt.Errorf("publish: chmod hook: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "nix"), 0o755); err != nil {
		sc.Close()
		return nil, fmt.Errorf("publish: mkdir nix: %w", err)
	}
	confPath := filepath.Join(dir, "nix", "nix.conf")
	f, err := os.Create(confPath)
	if err != nil {
		sc.Close()
		return nil, fmt.Errorf("publish: create nix.conf: %w", err)
	}
	defer f.Close()

	joined := ""
	for i, b := range builders {
		if i > 0 {
			joined += "; "
		}
		joined += b
	}
	if err := nixConfTemplate.Execute(f, nixConfVars{
		MinFreeBytes:  minFree,
		MaxFreeBytes:  maxFree,
		Builders:      joined,
		PostBuildHook: hookPath,
	}); err != nil {
		sc.Close()
		return nil, fmt.Errorf("publish: render nix.conf: %w", err)
	}

	return sc, nil
}

func (sc *Superconfig) writeHook(path string, cfg config.PublishConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("publish: create hook: %w", err)
	}
	defer f.Close()

	switch cfg.Type {
	case config.PublishS3:
		keyFile, err := os.CreateTemp("", "starfish-signing-key-")
		if err != nil {
			return fmt.Errorf("publish: create signing key file: %w", err)
		}
		if _, err := keyFile.WriteString(cfg.NixSigningKey); err != nil {
			keyFile.Close()
			return fmt.Errorf("publish: write signing key: %w", err)
		}
		keyFile.Close()
		sc.signingKeyFile = keyFile.Name()

		cacheURI := fmt.Sprintf(
			"s3://%s?region=%s&secret-key=%s&write-nar-listing=1&ls-compression=br&log-compression=br&parallel-compression=1",
			cfg.Bucket, cfg.Region, sc.signingKeyFile,
		)
		return s3Template.Execute(f, s3Vars{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			CacheURI:  cacheURI,
		})
	default:
		return noneTemplate.Execute(f, nil)
	}
}

// Dir is the directory to export as HOME for realize invocations.
func (sc *Superconfig) Dir() string { return sc.dir }

// Close removes the superconfig directory and the signing key temp file,
// if one was created.
func (sc *Superconfig) Close() error {
	if sc.signingKeyFile != "" {
		_ = os.Remove(sc.signingKeyFile)
	}
	return os.RemoveAll(sc.dir)
}

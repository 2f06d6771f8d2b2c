package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// ManifestFiles are the file names that mark a directory as an addon module.
var ManifestFiles = []string{"__manifest__.py", "__openerp__.py"}

var sourceExtensions = map[string]bool{".zip": true, ".dump": true}

const addonsExtension = ".zip"

// Validator performs the pure input checks that must pass before any
// runtime resource is provisioned: reference shape, transport policy and
// addon manifest structure.
type Validator struct {
	log    *slog.Logger
	client *http.Client

	allowInsecureHTTP bool
}

// NewValidator creates a Validator. client may be nil to use the default.
func NewValidator(log *slog.Logger, client *http.Client, allowInsecureHTTP bool) *Validator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Validator{log: log, client: client, allowInsecureHTTP: allowInsecureHTTP}
}

// IsURL reports whether location is an http(s) reference.
func IsURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// locationExt returns the lowercase extension of a path or URL path.
func locationExt(location string) string {
	path := location
	if IsURL(location) {
		if u, err := url.Parse(location); err == nil {
			path = u.Path
		}
	}
	return strings.ToLower(filepath.Ext(path))
}

// NormalizeSHA256 validates and canonicalizes an expected checksum value.
// Empty input stays empty (verification disabled).
func NormalizeSHA256(value, option string) (string, error) {
	if value == "" {
		return "", nil
	}
	clean := strings.ToLower(strings.TrimSpace(value))
	if len(clean) != 64 {
		return "", fmt.Errorf("%w: %s must be a 64-character SHA-256 hex digest", upgrade.ErrInputInvalid, option)
	}
	for _, c := range clean {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %s must be a 64-character SHA-256 hex digest", upgrade.ErrInputInvalid, option)
		}
	}
	return clean, nil
}

// Validate checks the run's source and addons references. It is read-only:
// no file is written and no container is touched.
func (v *Validator) Validate(ctx context.Context, rc *upgrade.RunContext) error {
	target, err := upgrade.ParseVersion(rc.TargetVersion)
	if err != nil {
		return fmt.Errorf("%w: target version: %v", upgrade.ErrInputInvalid, err)
	}
	if !target.Supported() {
		return fmt.Errorf("%w: target version %s not in supported set %v",
			upgrade.ErrInputInvalid, rc.TargetVersion, upgrade.SupportedVersions())
	}

	if err := v.validateSource(ctx, rc.Source); err != nil {
		return err
	}
	if rc.ExtraAddons == "" {
		return nil
	}
	return v.validateAddons(ctx, rc.ExtraAddons)
}

func (v *Validator) validateSource(ctx context.Context, source string) error {
	if !sourceExtensions[locationExt(source)] {
		return fmt.Errorf("%w: source must end with .zip or .dump", upgrade.ErrInputInvalid)
	}

	if IsURL(source) {
		return v.probeURL(ctx, source, "source URL")
	}

	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("%w: source file not found: %s", upgrade.ErrInputInvalid, source)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: source path must be a file: %s", upgrade.ErrInputInvalid, source)
	}
	return nil
}

func (v *Validator) validateAddons(ctx context.Context, addons string) error {
	if IsURL(addons) {
		if locationExt(addons) != addonsExtension {
			return fmt.Errorf("%w: remote addons must be a .zip file", upgrade.ErrInputInvalid)
		}
		return v.probeURL(ctx, addons, "extra addons URL")
	}

	info, err := os.Stat(addons)
	if err != nil {
		return fmt.Errorf("%w: extra addons path not found: %s", upgrade.ErrInputInvalid, addons)
	}

	if info.IsDir() {
		ok, err := containsManifest(addons)
		if err != nil {
			return fmt.Errorf("scan addons directory: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: addons directory %s contains no module manifest (%s)",
				upgrade.ErrInputInvalid, addons, strings.Join(ManifestFiles, " or "))
		}
		return nil
	}

	if locationExt(addons) != addonsExtension {
		return fmt.Errorf("%w: local addons must be a directory or a .zip file", upgrade.ErrInputInvalid)
	}
	return nil
}

// CheckTransport enforces the HTTPS-only policy for a remote reference.
// HTTP is allowed only with the explicit insecure override, and then loudly.
func (v *Validator) CheckTransport(location, label string) error {
	if !IsURL(location) {
		return nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("%w: %s is not a valid URL", upgrade.ErrInputInvalid, label)
	}
	if strings.EqualFold(u.Scheme, "http") {
		if !v.allowInsecureHTTP {
			return fmt.Errorf("%w: %s uses insecure HTTP; use HTTPS or pass --allow-insecure-http for trusted endpoints",
				upgrade.ErrInputInvalid, label)
		}
		v.log.Warn("insecure HTTP enabled", "label", label, "url", location)
	}
	return nil
}

// probeURL checks remote accessibility with HEAD, then a GET fallback for
// servers that reject HEAD.
func (v *Validator) probeURL(ctx context.Context, location, label string) error {
	if err := v.CheckTransport(location, label); err != nil {
		return err
	}

	var lastErr error
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, location, nil)
		if err != nil {
			return fmt.Errorf("%w: %s is not a valid URL: %v", upgrade.ErrInputInvalid, label, err)
		}
		resp, err := v.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 400 {
			return nil
		}
		lastErr = fmt.Errorf("status %s", resp.Status)
	}
	return fmt.Errorf("%w: %s is not accessible: %v", upgrade.ErrInputInvalid, label, lastErr)
}

// containsManifest walks root looking for any addon manifest file, skipping
// hidden and cache directories.
func containsManifest(root string) (bool, error) {
	found := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() && path != root && (strings.HasPrefix(name, ".") || name == "__pycache__") {
			return filepath.SkipDir
		}
		for _, manifest := range ManifestFiles {
			if !d.IsDir() && name == manifest {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found, err
}

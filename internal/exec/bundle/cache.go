// Package bundle caches runtime root filesystems fetched from object storage.
package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"runbox/internal/common/cache"
	"runbox/internal/common/storage"
	appErr "runbox/pkg/errors"
)

const (
	metaFileName  = "bundle.json"
	tempFileName  = "bundle.tmp"
	lockKeyPrefix = "exec:bundle:lock:"

	digestHexLen = 64
)

// bundleMeta is written last and acts as the extraction commit marker.
type bundleMeta struct {
	Key    string `json:"key"`
	Digest string `json:"digest"`
}

type cacheEntry struct {
	ref       string
	path      string
	sizeBytes int64
	expiresAt time.Time
}

// Cache manages local bundle caching. Extracted bundles are addressed by
// their content digest so a renamed object key never invalidates the cache.
type Cache struct {
	rootDir    string
	ttl        time.Duration
	lockWait   time.Duration
	maxEntries int
	maxBytes   int64
	bucket     string
	storage    storage.ObjectStorage
	lock       cache.LockOps
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lruKeys    []string
	totalSize  int64
}

// NewCache creates a new bundle cache.
func NewCache(rootDir string, ttl time.Duration, lockWait time.Duration, maxEntries int, maxBytes int64, bucket string, storageClient storage.ObjectStorage, lock cache.LockOps) *Cache {
	if maxEntries <= 0 {
		maxEntries = 16
	}
	if lockWait <= 0 {
		lockWait = 30 * time.Second
	}
	return &Cache{
		rootDir:    rootDir,
		ttl:        ttl,
		lockWait:   lockWait,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		bucket:     bucket,
		storage:    storageClient,
		lock:       lock,
		entries:    make(map[string]*cacheEntry),
	}
}

// ParseRef splits a bundle reference of the form "objectKey@sha256hex".
func ParseRef(ref string) (string, string, error) {
	at := strings.LastIndex(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		return "", "", appErr.ValidationError("bundle", "must be objectKey@sha256hex")
	}
	key := ref[:at]
	digest := strings.ToLower(ref[at+1:])
	if len(digest) != digestHexLen {
		return "", "", appErr.ValidationError("bundle", "digest must be 64 hex characters")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", appErr.ValidationError("bundle", "digest must be hex encoded")
	}
	return key, digest, nil
}

// Rootfs returns the local directory holding the extracted bundle,
// downloading and extracting it first when necessary.
func (c *Cache) Rootfs(ctx context.Context, ref string) (string, error) {
	key, digest, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if c.storage == nil {
		return "", appErr.New(appErr.CacheError).WithMessage("storage client is not initialized")
	}
	if c.rootDir == "" {
		return "", appErr.New(appErr.CacheError).WithMessage("cache root is not configured")
	}
	path := filepath.Join(c.rootDir, digest)

	if ok := c.hitEntry(ref); ok {
		return path, nil
	}

	if ok := c.checkDisk(path, digest); ok {
		c.addEntry(ref, path)
		return path, nil
	}

	if err := c.fetchAndExtract(ctx, key, digest, path); err != nil {
		return "", err
	}
	c.addEntry(ref, path)
	return path, nil
}

func (c *Cache) hitEntry(ref string) bool {
	c.mu.Lock()
	entry, ok := c.entries[ref]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntryLocked(ref)
		c.mu.Unlock()
		return false
	}
	entry.expiresAt = time.Now().Add(c.ttl)
	c.touchLocked(ref)
	c.mu.Unlock()
	return true
}

func (c *Cache) checkDisk(path, digest string) bool {
	data, err := os.ReadFile(filepath.Join(path, metaFileName))
	if err != nil {
		return false
	}
	var stored bundleMeta
	if err := json.Unmarshal(data, &stored); err != nil {
		return false
	}
	return strings.EqualFold(stored.Digest, digest)
}

func (c *Cache) fetchAndExtract(ctx context.Context, key, digest, path string) error {
	if c.lock == nil {
		return appErr.New(appErr.CacheError).WithMessage("lock client is not initialized")
	}
	lockKey := lockKeyPrefix + digest
	locked, err := c.lock.TryLock(ctx, lockKey, 5*time.Minute)
	if err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "acquire bundle lock failed")
	}
	if !locked {
		return c.waitForCache(ctx, path, digest)
	}
	defer func() {
		_ = c.lock.Unlock(ctx, lockKey)
	}()

	if ok := c.checkDisk(path, digest); ok {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cleanup bundle dir failed")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create bundle dir failed")
	}

	tempPath := filepath.Join(path, tempFileName)
	if err := c.downloadBundle(ctx, key, digest, tempPath); err != nil {
		return err
	}
	if err := extractBundle(tempPath, path); err != nil {
		return err
	}
	_ = os.Remove(tempPath)

	metaBytes, _ := json.Marshal(bundleMeta{Key: key, Digest: digest})
	if err := os.WriteFile(filepath.Join(path, metaFileName), metaBytes, 0644); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write bundle meta failed")
	}
	return nil
}

func (c *Cache) waitForCache(ctx context.Context, path, digest string) error {
	deadline := time.Now().Add(c.lockWait)
	for {
		if ok := c.checkDisk(path, digest); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return appErr.New(appErr.Timeout).WithMessage("wait for bundle cache timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (c *Cache) downloadBundle(ctx context.Context, key, digest, dstPath string) error {
	reader, err := c.storage.GetObject(ctx, c.bucket, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "download bundle failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create bundle file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	if _, err := io.Copy(file, tee); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write bundle file failed")
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(actual, digest) {
		return appErr.Newf(appErr.CacheError, "bundle digest mismatch: want %s got %s", digest, actual)
	}
	return nil
}

func extractBundle(srcPath, dstDir string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "open bundle failed")
	}
	defer file.Close()

	zstdReader, err := zstd.NewReader(file)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create zstd reader failed")
	}
	defer zstdReader.Close()

	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return appErr.New(appErr.CacheError).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(dstDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
			return appErr.New(appErr.CacheError).WithMessage("tar entry escape detected")
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create dir failed")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create parent dir failed")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "create file failed")
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return appErr.Wrapf(err, appErr.CacheError, "write file failed")
			}
			_ = out.Close()
		default:
			// symlinks and special files have no place in a sandbox rootfs
		}
	}
	return nil
}

func (c *Cache) addEntry(ref, path string) {
	size := dirSize(path)
	c.mu.Lock()
	if existing, ok := c.entries[ref]; ok {
		c.totalSize -= existing.sizeBytes
	}
	c.entries[ref] = &cacheEntry{
		ref:       ref,
		path:      path,
		sizeBytes: size,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.totalSize += size
	c.touchLocked(ref)
	c.evictLocked()
	c.mu.Unlock()
}

func (c *Cache) touchLocked(ref string) {
	for i, k := range c.lruKeys {
		if k == ref {
			c.lruKeys = append(c.lruKeys[:i], c.lruKeys[i+1:]...)
			break
		}
	}
	c.lruKeys = append(c.lruKeys, ref)
}

func (c *Cache) evictLocked() {
	for {
		if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
			c.removeOldestLocked()
			continue
		}
		if c.maxBytes > 0 && c.totalSize > c.maxBytes {
			c.removeOldestLocked()
			continue
		}
		break
	}
}

func (c *Cache) removeOldestLocked() {
	if len(c.lruKeys) == 0 {
		return
	}
	ref := c.lruKeys[0]
	c.lruKeys = c.lruKeys[1:]
	c.removeEntryLocked(ref)
}

func (c *Cache) removeEntryLocked(ref string) {
	entry, ok := c.entries[ref]
	if !ok {
		return
	}
	delete(c.entries, ref)
	c.totalSize -= entry.sizeBytes
	_ = os.RemoveAll(entry.path)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

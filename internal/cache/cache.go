// Package cache provides disk caching of directory documents such as
// airport records.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultExpiry is how long cached documents are valid.
	DefaultExpiry = 24 * time.Hour
	// DocumentSubdir is the subdirectory for cached documents.
	DocumentSubdir = "airports"
	// AppName is used for the cache directory name.
	AppName = "liveatc"
)

// Cache manages JSON documents on disk, keyed by an arbitrary string.
type Cache struct {
	baseDir string
	expiry  time.Duration
}

// NewCache creates a new Cache instance with the default expiry.
func NewCache() (*Cache, error) {
	cacheDir, err := GetCacheDir()
	if err != nil {
		return nil, err
	}

	return &Cache{
		baseDir: cacheDir,
		expiry:  DefaultExpiry,
	}, nil
}

// NewCacheAt creates a cache rooted at dir.
func NewCacheAt(dir string, expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Cache{baseDir: dir, expiry: expiry}
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	cacheDir := filepath.Join(userCacheDir, AppName)
	return cacheDir, nil
}

func (c *Cache) ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func hashKey(key string) string {
	hash := md5.Sum([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (c *Cache) documentPath(key string) string {
	return filepath.Join(c.baseDir, DocumentSubdir, hashKey(key)+".json")
}

// Get decodes the cached document for key into v. It reports false when the
// document is missing, expired or unreadable.
func (c *Cache) Get(key string, v any) bool {
	path := c.documentPath(key)

	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if time.Since(info.ModTime()) > c.expiry {
		if err := os.Remove(path); err != nil {
			log.Debug().Err(err).Str("file", path).Msg("Failed to remove expired cache file")
		}
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Debug().Err(err).Str("file", path).Msg("Failed to decode cached document")
		return false
	}

	return true
}

// Put stores v as JSON under key. The write is atomic.
func (c *Cache) Put(key string, v any) error {
	dir := filepath.Join(c.baseDir, DocumentSubdir)
	if err := c.ensureDir(dir); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	path := c.documentPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save cache file: %w", err)
	}

	return nil
}

// Delete removes the document for key if present.
func (c *Cache) Delete(key string) {
	if err := os.Remove(c.documentPath(key)); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("key", key).Msg("Failed to remove cache file")
	}
}

// CleanExpired removes cache files older than the expiry duration.
func (c *Cache) CleanExpired() error {
	dir := filepath.Join(c.baseDir, DocumentSubdir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	now := time.Now()
	var removed, failed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Debug().Err(err).Str("file", entry.Name()).Msg("Failed to get file info")
			continue
		}

		if now.Sub(info.ModTime()) > c.expiry {
			filePath := filepath.Join(dir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				log.Debug().Err(err).Str("file", filePath).Msg("Failed to remove expired cache file")
				failed++
			} else {
				removed++
			}
		}
	}

	if removed > 0 || failed > 0 {
		log.Debug().Int("removed", removed).Int("failed", failed).Msg("Cache cleanup completed")
	}

	return nil
}

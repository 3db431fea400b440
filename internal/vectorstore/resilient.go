package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// openResilientChromemDB opens a persistent chromem DB. An index directory
// holding vectors but no collection metadata (an interrupted first write)
// makes chromem refuse to load the whole DB; such directories are moved to
// .quarantine and the load is retried once.
func openResilientChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(path, logger)
	if findErr != nil || len(corrupt) == 0 {
		return nil, err
	}

	quarantinePath := filepath.Join(path, ".quarantine")
	if mkErr := os.MkdirAll(quarantinePath, 0o700); mkErr != nil {
		return nil, fmt.Errorf("creating quarantine directory: %w", mkErr)
	}

	for _, hash := range corrupt {
		if !isValidCollectionHash(hash) {
			continue
		}
		src := filepath.Join(path, hash)
		dst := filepath.Join(quarantinePath, hash)
		logger.Warn("quarantining index directory without metadata",
			zap.String("dir", hash),
			zap.String("to", dst))
		if mvErr := os.Rename(src, dst); mvErr != nil {
			logger.Error("failed to quarantine index directory", zap.String("dir", hash), zap.Error(mvErr))
		}
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("loading after quarantine: %w", err)
	}
	logger.Info("chromem DB loaded after quarantine", zap.Int("quarantined", len(corrupt)))
	return db, nil
}

// findCorruptCollections lists collection directories with .gob documents
// but no 00000000.gob metadata file.
func findCorruptCollections(path string, logger *zap.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		collectionPath := filepath.Join(path, entry.Name())
		metadataPath := filepath.Join(collectionPath, "00000000.gob")

		if _, err := os.Stat(metadataPath); !os.IsNotExist(err) {
			continue
		}
		files, readErr := os.ReadDir(collectionPath)
		if readErr != nil {
			logger.Warn("failed to read index directory", zap.String("dir", entry.Name()), zap.Error(readErr))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".gob") {
				corrupt = append(corrupt, entry.Name())
				break
			}
		}
	}

	return corrupt, nil
}

// isValidCollectionHash guards the rename against path traversal: chromem
// names collection directories with an 8-char hex hash.
func isValidCollectionHash(hash string) bool {
	return collectionHashPattern.MatchString(hash)
}

package localcache

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"gorm.io/gorm"
)

const (
	migrationSplitLegacyLastSync = "2026-10-01_split_legacy_last_sync"
	legacyLastSyncKey            = "lastSync"
)

// splitLegacyLastSync converts the single lastSync map and bare collection keys written by
// earlier clients into per-collection checkpoint and collection keys.
func splitLegacyLastSync(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var legacy Entry
		err := tx.Where("cache_key = ?", legacyLastSyncKey).Take(&legacy).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			checkpoints := map[string]string{}
			if err := json.Unmarshal([]byte(legacy.ValueJSON), &checkpoints); err != nil {
				return err
			}
			for rawName, rawTime := range checkpoints {
				name, err := records.ParseCollection(rawName)
				if err != nil {
					continue
				}
				parsed, err := time.Parse(time.RFC3339Nano, rawTime)
				if err != nil {
					continue
				}
				if err := putEntry(tx, CheckpointKey(name), parsed.UTC().Format(time.RFC3339Nano)); err != nil {
					return err
				}
			}
			if err := tx.Where("cache_key = ?", legacyLastSyncKey).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}

		for _, name := range records.All() {
			var bare Entry
			err := tx.Where("cache_key = ?", name.String()).Take(&bare).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := tx.Where("cache_key = ?", CollectionKey(name)).Take(&Entry{}).Error; errors.Is(err, gorm.ErrRecordNotFound) {
				moved := Entry{Key: CollectionKey(name), ValueJSON: bare.ValueJSON, UpdatedAt: time.Now().UTC()}
				if err := tx.Create(&moved).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			if err := tx.Where("cache_key = ?", name.String()).Delete(&Entry{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// portod-migrate upgrades an on-disk regcache file between schema
// versions. The regcache bucket layout changed once already during
// development (an early "summaries" bucket had no parent_name field, since
// Meta inference didn't exist yet); this tool is kept around in case the
// schema changes again the same way.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/run/portod", "portod runtime data directory")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migrating (default: <data-dir>/regcache.db.backup)")
)

const (
	legacyBucket  = "summaries"
	currentBucket = "containers"
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("portod regcache migration tool")

	dbPath := filepath.Join(*dataDir, "regcache.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}
	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateLegacySummaries(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

// migrateLegacySummaries copies every record in the legacy bucket into the
// current one, defaulting the fields the legacy schema didn't have
// (parent_name and created_at both default to the zero value, which is
// exactly what a fresh Summary would have for a record regcache never got
// a chance to populate them for).
func migrateLegacySummaries(db *bolt.DB, dryRun bool) error {
	var legacyCount int

	err := db.View(func(tx *bolt.Tx) error {
		legacy := tx.Bucket([]byte(legacyBucket))
		if legacy == nil {
			log.Println("no legacy bucket found, database is already on the current schema")
			return nil
		}
		return legacy.ForEach(func(k, v []byte) error {
			legacyCount++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if legacyCount == 0 {
		log.Println("no legacy records found")
		return nil
	}
	log.Printf("found %d legacy records", legacyCount)

	if dryRun {
		log.Printf("[dry run] would copy %d records from %q into %q", legacyCount, legacyBucket, currentBucket)
		return nil
	}

	migrated := 0
	err = db.Update(func(tx *bolt.Tx) error {
		current, err := tx.CreateBucketIfNotExists([]byte(currentBucket))
		if err != nil {
			return fmt.Errorf("create %s bucket: %w", currentBucket, err)
		}
		legacy := tx.Bucket([]byte(legacyBucket))
		if legacy == nil {
			return nil
		}
		return legacy.ForEach(func(k, v []byte) error {
			var raw map[string]interface{}
			if err := json.Unmarshal(v, &raw); err != nil {
				log.Printf("skipping invalid JSON for key %s: %v", k, err)
				return nil
			}
			if err := current.Put(k, v); err != nil {
				return fmt.Errorf("copy record %s: %w", k, err)
			}
			migrated++
			return nil
		})
	})
	if err != nil {
		return err
	}
	log.Printf("migrated %d/%d records; legacy bucket left in place for rollback", migrated, legacyCount)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}

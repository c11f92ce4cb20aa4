package app

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"binance-cvd-pipeline/config"
	"binance-cvd-pipeline/database"
	"binance-cvd-pipeline/helpers"
)

const (
	backupPrefix   = "binance_data_"
	backupSuffix   = ".sqlite"
	backupTimeFmt  = "20060102T150405Z"
	backupSingle   = "binance_data_latest.sqlite"
	pruneRetention = 7 * 24 * time.Hour
)

// BackupScheduler copies the primary store to timestamped files on an
// interval, applies daily/weekly retention to old copies and prunes
// aged candle and ratio rows from the primary.
type BackupScheduler struct {
	repo *database.Repository
	cfg  config.BackupConfig

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBackupScheduler(repo *database.Repository, cfg config.BackupConfig) *BackupScheduler {
	return &BackupScheduler{
		repo: repo,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

func (bs *BackupScheduler) Start() {
	bs.wg.Add(1)
	go func() {
		defer bs.wg.Done()

		bs.RunOnce()

		ticker := time.NewTicker(time.Duration(bs.cfg.IntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-bs.done:
				return
			case <-ticker.C:
				bs.RunOnce()
			}
		}
	}()
	log.Println("💾 Backup scheduler started")
}

func (bs *BackupScheduler) Stop() {
	bs.stopOnce.Do(func() { close(bs.done) })
	bs.wg.Wait()
	log.Println("💾 Backup scheduler stopped")
}

// RunOnce performs one backup pass. A pass still in flight makes this
// a no-op; the next tick tries again.
func (bs *BackupScheduler) RunOnce() {
	if !bs.running.CompareAndSwap(false, true) {
		log.Println("⚠️  Backup still running, skipping this cycle")
		return
	}
	defer bs.running.Store(false)

	if err := bs.backup(time.Now().UTC()); err != nil {
		log.Printf("⚠️  Backup failed: %v", err)
		return
	}

	if !bs.cfg.SingleFile {
		if err := bs.applyRetention(time.Now().UTC()); err != nil {
			log.Printf("⚠️  Backup retention failed: %v", err)
		}
	}

	bs.pruneStore()
}

func (bs *BackupScheduler) backup(now time.Time) error {
	source := bs.repo.DB().Path()
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source database not readable: %w", err)
	}
	if err := os.MkdirAll(bs.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := backupSingle
	if !bs.cfg.SingleFile {
		name = backupPrefix + now.Format(backupTimeFmt) + backupSuffix
	}
	target := filepath.Join(bs.cfg.Path, name)

	if err := copyFile(source, target); err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	log.Printf("💾 Backup written: %s (%s)", name, helpers.FormatCompact(float64(info.Size())))
	return nil
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(target)
		return fmt.Errorf("failed to copy database: %w", err)
	}
	return out.Close()
}

// backupFile pairs a backup path with the timestamp parsed from its name
type backupFile struct {
	path string
	ts   time.Time
}

// listBackups returns timestamped backups in the target directory,
// newest first. Files that do not match the naming scheme are ignored.
func (bs *BackupScheduler) listBackups() ([]backupFile, error) {
	entries, err := os.ReadDir(bs.cfg.Path)
	if err != nil {
		return nil, err
	}

	var files []backupFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		ts, err := time.Parse(backupTimeFmt, stamp)
		if err != nil {
			continue
		}
		files = append(files, backupFile{path: filepath.Join(bs.cfg.Path, name), ts: ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts.After(files[j].ts) })
	return files, nil
}

// applyRetention keeps every backup inside the daily window, one per
// ISO week inside the weekly window and nothing older
func (bs *BackupScheduler) applyRetention(now time.Time) error {
	files, err := bs.listBackups()
	if err != nil {
		return err
	}

	dailyCutoff := now.Add(-time.Duration(bs.cfg.DailyDays) * 24 * time.Hour)
	weeklyCutoff := now.Add(-time.Duration(bs.cfg.WeeklyWeeks) * 7 * 24 * time.Hour)

	weekKept := make(map[string]bool)
	removed := 0
	for _, f := range files {
		switch {
		case f.ts.After(dailyCutoff):
			// Inside the daily window everything survives
		case f.ts.After(weeklyCutoff):
			year, week := f.ts.ISOWeek()
			key := fmt.Sprintf("%d-W%02d", year, week)
			if weekKept[key] {
				if err := os.Remove(f.path); err == nil {
					removed++
				}
			} else {
				// Files iterate newest first, so the first hit per
				// week is the one to keep
				weekKept[key] = true
			}
		default:
			if err := os.Remove(f.path); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Printf("💾 Retention removed %d old backups", removed)
	}
	return nil
}

// pruneStore deletes candle and ratio rows past the retention window
func (bs *BackupScheduler) pruneStore() {
	cutoff := time.Now().Add(-pruneRetention).UnixMilli()

	if n, err := bs.repo.PruneCandlesBefore(cutoff); err != nil {
		log.Printf("⚠️  Failed to prune candles: %v", err)
	} else if n > 0 {
		log.Printf("💾 Pruned %d candle rows", n)
	}

	if n, err := bs.repo.PruneRatiosBefore(cutoff); err != nil {
		log.Printf("⚠️  Failed to prune ratio samples: %v", err)
	} else if n > 0 {
		log.Printf("💾 Pruned %d ratio samples", n)
	}
}
